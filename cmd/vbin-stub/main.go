// Command vbin-stub hosts the launcher's bootstrap repository client in its
// own process. The launcher starts it as an isolation domain and talks to it
// over stdin and stdout; it is not meant to be run by hand.
package main

import (
	"log"
	"os"

	"github.com/seantiz/vbin/internal/domain"
)

func main() {
	if !domain.IsChild() {
		log.Fatalf("vbin-stub: must be started by vbin (set %s=1 to serve the domain protocol)", domain.ChildEnv)
	}
	os.Exit(domain.RunChild(nil))
}
