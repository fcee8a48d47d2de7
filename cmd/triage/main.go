// Command triage runs the support-automation triage service.
package main

import "github.com/helpdeskops/triage/cmd/triage/cmd"

func main() {
	cmd.Execute()
}
