package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/ports"
	"github.com/anstrom/portsweep/internal/profiles"
)

// profilesCmd represents the profiles command.
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List scan profiles",
	Long: `Display the built-in scan profiles and any defined or overridden in the
configuration file. A profile selects the ports, worker count and timeout
used by "portsweep scan --profile".`,
	Example: `  portsweep profiles
  portsweep profiles show web`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return listProfiles(cmd.OutOrStdout(), cfg)
	},
}

// profilesShowCmd represents the profiles show command.
var profilesShowCmd = &cobra.Command{
	Use:   "show <profile-name>",
	Short: "Show the ports a profile scans",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showProfile(cmd.OutOrStdout(), cfg, args[0])
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesShowCmd)
}

func listProfiles(w io.Writer, cfg *config.Config) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Ports", "Workers", "Timeout", "Source", "Description")
	for _, p := range profiles.NewManager(cfg.Profiles).List() {
		source := "config"
		if p.BuiltIn {
			source = "built-in"
		}
		row := []string{p.Name, p.Ports, strconv.Itoa(p.Concurrency), p.Timeout.String(), source, p.Description}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func showProfile(w io.Writer, cfg *config.Config, name string) error {
	m := profiles.NewManager(cfg.Profiles)
	p, err := m.Get(name)
	if err != nil {
		return err
	}
	resolved, err := m.Resolve(name)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Profile:     %s\n", p.Name)
	fmt.Fprintf(w, "Description: %s\n", p.Description)
	fmt.Fprintf(w, "Workers:     %d\n", resolved.Concurrency)
	fmt.Fprintf(w, "Timeout:     %s\n", resolved.Timeout)
	fmt.Fprintf(w, "Port count:  %d\n", len(resolved.Ports))
	fmt.Fprintf(w, "Ports:       %s\n", ports.Format(resolved.Ports))
	return nil
}
