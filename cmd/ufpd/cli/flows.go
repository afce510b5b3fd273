package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/frobware/go-ufp"
)

// InstallCmd installs a rule or a port's default rule.
type InstallCmd struct {
	Rule    InstallRuleCmd    `cmd:"" help:"Install a rule read from a JSON file."`
	Default InstallDefaultCmd `cmd:"" help:"Install the default rule of a port."`
}

// InstallRuleCmd installs a JSON-encoded rule.
type InstallRuleCmd struct {
	File   string `arg:"" help:"Rule file, or - for stdin."`
	Parent bool   `name:"parent" help:"Install as a parent that children can reference."`
}

// Run executes the install rule command.
func (c *InstallRuleCmd) Run(cli *CLI) error {
	rule, err := readRule(c.File)
	if err != nil {
		return err
	}
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	fid, err := cl.Install(context.Background(), rule, c.Parent)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "flow %d\n", fid)
	return nil
}

func readRule(path string) (ufp.Rule, error) {
	var rule ufp.Rule
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return rule, fmt.Errorf("failed to open rule: %w", err)
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rule); err != nil {
		return rule, fmt.Errorf("failed to decode rule %s: %w", path, err)
	}
	return rule, nil
}

// InstallDefaultCmd installs the default rule of a port.
type InstallDefaultCmd struct {
	Port      uint16        `arg:"" help:"Logical port id."`
	Direction ufp.Direction `name:"dir" help:"Direction (rx or tx)." default:"rx"`
}

// Run executes the install default command.
func (c *InstallDefaultCmd) Run(cli *CLI) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	fid, err := cl.InstallDefault(context.Background(), c.Port, c.Direction)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "flow %d\n", fid)
	return nil
}

// UninstallCmd removes a flow.
type UninstallCmd struct {
	FlowID ufp.FlowID `arg:"" name:"flow-id" help:"Flow to uninstall."`
}

// Run executes the uninstall command.
func (c *UninstallCmd) Run(cli *CLI) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.Uninstall(context.Background(), c.FlowID); err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "uninstalled flow %d\n", c.FlowID)
	return nil
}

// CountCmd shows the accumulated counts of a flow.
type CountCmd struct {
	OutputFlags
	FlowID ufp.FlowID `arg:"" name:"flow-id" help:"Flow to query."`
}

// Run executes the count command.
func (c *CountCmd) Run(cli *CLI) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	st, err := cl.QueryCount(context.Background(), c.FlowID)
	if err != nil {
		return err
	}
	if c.Format() == OutputFormatJSON {
		return writeJSON(cli.stdout(), st)
	}
	return writeStats(cli.stdout(), c.FlowID, st)
}

// FlushFunctionCmd releases every flow of a function.
type FlushFunctionCmd struct {
	FunctionID uint16 `arg:"" name:"function-id" help:"Internal function id."`
}

// Run executes the flush-function command.
func (c *FlushFunctionCmd) Run(cli *CLI) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	n, err := cl.FlushFunction(context.Background(), c.FunctionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "flushed %d flows of function %d\n", n, c.FunctionID)
	return nil
}

// UsageCmd shows occupancy.
type UsageCmd struct {
	OutputFlags
}

// Run executes the usage command.
func (c *UsageCmd) Run(cli *CLI) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	u, err := cl.Usage(context.Background())
	if err != nil {
		return err
	}
	if c.Format() == OutputFormatJSON {
		return writeJSON(cli.stdout(), u)
	}
	return writeUsage(cli.stdout(), u)
}
