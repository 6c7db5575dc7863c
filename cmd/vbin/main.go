// Command vbin launches a versioned application: it resolves the version for
// this machine, fetches the target's modules for that version from the
// repository and runs the target's entry point.
//
//	vbin [-v=<version>] <target> [args...]
//	vbin --cfg <key=value>... -- <target> [args...]
//
// The same binary serves as an isolation domain when started with
// VBIN_DOMAIN_CHILD=1.
package main

import (
	"os"

	"github.com/seantiz/vbin/internal/domain"
)

func main() {
	if domain.IsChild() {
		os.Exit(domain.RunChild(nil))
	}
	os.Exit(execute(os.Args[1:]))
}
