// Package secrets detects and redacts secrets using gitleaks.
//
// Interaction records carry whatever the generator was asked to repair, so
// every record leaving the process passes through a Scrubber first. Findings
// are reduced to rule IDs and counts; matched values are never kept.
package secrets
