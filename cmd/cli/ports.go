package cli

import (
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/ports"
)

var portsDangerousOnly bool

// portsCmd represents the ports command.
var portsCmd = &cobra.Command{
	Use:   "ports [PORT-SPEC...]",
	Short: "Look up port services and risk notes",
	Long: `Show the service name, IANA category and risk note for ports. Without
arguments the common port list is shown. Arguments use the scan port syntax,
so "ports 20-25 445" and "ports web" both work.`,
	Example: `  portsweep ports
  portsweep ports 22 3389
  portsweep ports 1-1024 --dangerous`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPorts(cmd.OutOrStdout(), args, portsDangerousOnly)
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsDangerousOnly, "dangerous", false, "only show ports with a risk note")
}

func listPorts(w io.Writer, args []string, dangerousOnly bool) error {
	portList := ports.CommonPorts()
	if len(args) > 0 {
		var err error
		portList, err = ports.Expand(strings.Join(args, ","))
		if err != nil {
			return err
		}
	}

	table := tablewriter.NewWriter(w)
	table.Header("Port", "Service", "Category", "Risk")
	for _, p := range portList {
		info := ports.PortInfo(p)
		if dangerousOnly && !info.Dangerous {
			continue
		}
		row := []string{strconv.Itoa(info.Port), info.Service, string(info.Category), info.DangerNote}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}
