package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/internal/definition"
	"github.com/pitabwire/rcmflow/model"
)

func newTemplatesCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect and validate workflow templates",
	}

	registryFor := func() (*definition.Registry, []error, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		candidates, err := loadTemplates(cfg.Templates)
		if err != nil {
			return nil, nil, err
		}
		reg := definition.NewRegistry()
		return reg, reg.Load(candidates), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the templates that pass validation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := registryFor()
			if err != nil {
				return err
			}
			renderTemplateList(cmd.OutOrStdout(), reg.All())
			fmt.Fprintf(cmd.OutOrStdout(), "checksum %s\n", reg.Checksum())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <template-id>",
		Short: "Show the steps of one template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := registryFor()
			if err != nil {
				return err
			}
			tpl, err := reg.GetTemplate(args[0])
			if err != nil {
				return err
			}
			renderTemplateSteps(cmd.OutOrStdout(), tpl)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate every configured template and report rejections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, rejected, err := registryFor()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rejected) == 0 {
				fmt.Fprintf(out, "%s %d templates valid\n", text.FgGreen.Sprint("ok"), reg.Len())
				return nil
			}
			renderRejections(out, rejected)
			return fmt.Errorf("%d templates rejected", len(rejected))
		},
	})

	return cmd
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func header(cols ...string) table.Row {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = text.FgHiCyan.Sprint(c)
	}
	return row
}

func renderTemplateList(w io.Writer, templates []model.WorkflowTemplate) {
	if len(templates) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("no templates loaded"))
		return
	}
	t := newTable(w)
	t.AppendHeader(header("ID", "NAME", "STEPS", "EST. MINUTES", "SOURCE"))
	for _, tpl := range templates {
		t.AppendRow(table.Row{tpl.ID, tpl.Name, len(tpl.Steps), tpl.EstimatedTotalTime, tpl.SourceFile})
	}
	t.Render()
}

func renderTemplateSteps(w io.Writer, tpl model.WorkflowTemplate) {
	fmt.Fprintf(w, "%s  %s\n", text.Bold.Sprint(tpl.ID), tpl.Name)
	if tpl.Description != "" {
		fmt.Fprintln(w, tpl.Description)
	}

	t := newTable(w)
	t.AppendHeader(header("STEP", "TYPE", "REQUIRED", "ROLES", "AGENT", "DEPENDS ON", "MINUTES"))
	for _, s := range tpl.Steps {
		t.AppendRow(table.Row{
			s.ID, s.Type, yesNo(s.Required), orDash(strings.Join(s.RequiredRole, ", ")),
			orDash(s.AgentInvolved), orDash(strings.Join(s.Dependencies, ", ")), s.EstimatedTime,
		})
	}
	t.Render()
}

func yesNo(b bool) string {
	if b {
		return text.FgGreen.Sprint("yes")
	}
	return text.FgYellow.Sprint("no")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderRejections(w io.Writer, rejected []error) {
	t := newTable(w)
	t.AppendHeader(header("TEMPLATE", "FIELD", "PROBLEM"))
	for _, err := range rejected {
		var env *model.ErrorEnvelope
		if !errors.As(err, &env) {
			t.AppendRow(table.Row{"-", "-", text.FgRed.Sprint(err.Error())})
			continue
		}
		if len(env.Details) == 0 {
			t.AppendRow(table.Row{"-", "-", text.FgRed.Sprint(env.Message)})
			continue
		}
		for _, d := range env.Details {
			id, _, _ := strings.Cut(d.Field, ".")
			t.AppendRow(table.Row{id, d.Field, text.FgRed.Sprint(d.Message)})
		}
	}
	t.Render()
}
