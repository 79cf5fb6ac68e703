// Package tickets creates issue-tracker tickets from a processed meeting.
// Features become stories with their sub-tasks fanned out under the parent
// key, bugs are created alongside, and every item's outcome is reported.
package tickets
