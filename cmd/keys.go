package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the credential pool",
		Long: `Lists, adds, imports, and health-checks the persisted xAI credentials.
Secrets are always printed masked.

Examples:
  imagine keys list
  imagine keys add xai-abc123 --label primary
  imagine keys import keys.txt
  imagine keys check
  imagine keys rotate
  imagine keys clear --yes`,
	}
	cmd.AddCommand(
		newKeysListCmd(),
		newKeysAddCmd(),
		newKeysImportCmd(),
		newKeysCheckCmd(),
		newKeysRotateCmd(),
		newKeysClearCmd(),
	)
	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			svc := appInstance.Studio()
			if err := printKeys(cmd.OutOrStdout(), svc.Keys()); err != nil {
				return err
			}
			if next, ok := svc.NextKey(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "\nNext: %s (%s)\n", next.Label, next.Masked())
			}
			return nil
		},
	}
}

func newKeysRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Skip the current rotation target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			next, ok := appInstance.Studio().RotateKey()
			if !ok {
				return fmt.Errorf("no enabled keys to rotate")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "next: %s (%s)\n", next.Label, next.Masked())
			return nil
		},
	}
}

func newKeysClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every credential and reset rotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the key pool without --yes")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Studio().ClearKeys()
			fmt.Fprintln(cmd.OutOrStdout(), "key pool cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removing every key")
	return cmd
}

func newKeysAddCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "add <credential>",
		Short: "Add a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entry, added, err := appInstance.Studio().AddKey(label, args[0])
			if err != nil {
				return fmt.Errorf("add key: %w", err)
			}
			if !added {
				return fmt.Errorf("key %s is blank or already in the pool", imagine.MaskCredential(args[0]))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", entry.Label, entry.Masked())
			return nil
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "display label (defaults to the masked key)")
	return cmd
}

func newKeysImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import credentials from a file, one per line",
		Long: `Imports credentials from a file ("-" reads stdin). Each non-empty line
is either a bare credential or "label|credential"; duplicates are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			text, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			added, err := appInstance.Studio().ImportKeys(text)
			if err != nil {
				return fmt.Errorf("import keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d key(s)\n", len(added))
			return nil
		},
	}
}

func newKeysCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Health-check every credential against the models endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := appInstance.Studio().CheckAllKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("check keys: %w", err)
			}
			return printKeys(cmd.OutOrStdout(), entries)
		},
	}
}

func readInput(stdin io.Reader, name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

func printKeys(out io.Writer, entries []imagine.KeyEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No keys configured.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tKEY\tENABLED\tHEALTH\tCAPABILITIES\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			e.ID, e.Label, e.Masked(), e.Enabled, e.Health, capabilities(e.Capabilities), e.LastError)
	}
	return tw.Flush()
}

func capabilities(c *imagine.Capabilities) string {
	if c == nil {
		return "-"
	}
	var parts []string
	if c.Video {
		parts = append(parts, "video")
	}
	if c.Image {
		parts = append(parts, "image")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
