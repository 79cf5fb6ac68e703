package tickets

import "strings"

// adfNode is a node of an Atlassian Document Format tree
type adfNode struct {
	Type    string    `json:"type"`
	Version int       `json:"version,omitempty"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

// document converts plain text to an ADF document, one paragraph per block
// separated by a blank line. Empty text yields nil.
func document(text string) *adfNode {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}

	doc := &adfNode{Type: "doc", Version: 1}
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		para := adfNode{Type: "paragraph"}
		for i, line := range strings.Split(block, "\n") {
			if i > 0 {
				para.Content = append(para.Content, adfNode{Type: "hardBreak"})
			}
			if line != "" {
				para.Content = append(para.Content, adfNode{Type: "text", Text: line})
			}
		}
		doc.Content = append(doc.Content, para)
	}
	return doc
}
