package tickets

import "strings"

// Directory resolves assignee display names to tracker account ids
type Directory struct {
	accounts map[string]string
}

// NewDirectory builds a case-insensitive name lookup
func NewDirectory(accounts map[string]string) *Directory {
	d := &Directory{accounts: make(map[string]string, len(accounts))}
	for name, id := range accounts {
		d.accounts[normalizeName(name)] = id
	}
	return d
}

// Resolve returns the account id for name. Unknown names are not an error;
// the ticket is simply left unassigned.
func (d *Directory) Resolve(name string) (string, bool) {
	if d == nil || name == "" {
		return "", false
	}
	id, ok := d.accounts[normalizeName(name)]
	return id, ok
}

// Len returns the number of known assignees
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.accounts)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
