// Command certview-mirror runs the CertView harvester: it mirrors a remote
// certificate inventory into a local store and annotates it against a
// user-supplied inventory spreadsheet.
package main

import (
	"fmt"
	"os"

	"github.com/qualys/certview-mirror/cmd/certview-mirror/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
