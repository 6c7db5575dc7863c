// Package runner is the launcher's entry-point runner. A run resolves the
// version to launch, fetches the target module for that version, installs the
// artifact store as the module space's resolution hook and invokes the
// target's entry point. Each run can be recorded in the run ledger.
package runner
