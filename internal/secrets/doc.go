// Package secrets redacts credentials from text the agent sends out.
//
// Detection uses the gitleaks default rule set. Findings carry the rule and
// position only; the matched secret never leaves Scrub.
package secrets
