package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/frobware/go-ufp/template"
)

// TemplatesCmd inspects template sets.
type TemplatesCmd struct {
	List     TemplatesListCmd     `cmd:"" default:"withargs" help:"List the class and action templates."`
	Validate TemplatesValidateCmd `cmd:"" help:"Check a template set for structural errors."`
}

// TemplateSourceFlags selects the template set.
type TemplateSourceFlags struct {
	File string `name:"file" short:"f" help:"JSON template set; defaults to the built-in set."`
}

func (s TemplateSourceFlags) load() (*template.Set, error) {
	if s.File == "" {
		return template.Builtin(), nil
	}
	data, err := os.ReadFile(s.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read template set: %w", err)
	}
	var set template.Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to decode template set %s: %w", s.File, err)
	}
	return &set, nil
}

// TemplatesListCmd lists templates.
type TemplatesListCmd struct {
	OutputFlags
	TemplateSourceFlags
}

// Run executes the templates list command.
func (c *TemplatesListCmd) Run(cli *CLI) error {
	set, err := c.load()
	if err != nil {
		return err
	}
	if c.Format() == OutputFormatJSON {
		return writeJSON(cli.stdout(), set)
	}
	return writeTemplates(cli.stdout(), set)
}

// TemplatesValidateCmd validates a template set.
type TemplatesValidateCmd struct {
	TemplateSourceFlags
}

// Run executes the templates validate command.
func (c *TemplatesValidateCmd) Run(cli *CLI) error {
	set, err := c.load()
	if err != nil {
		return err
	}
	if err := set.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout(), "template set %s is valid\n", set.Name)
	return nil
}
