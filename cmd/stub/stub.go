package stub

import (
	"github.com/spf13/cobra"
)

// StubCmd groups the commands running the debugging stub
var StubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run the debugging stub",
}
