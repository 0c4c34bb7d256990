package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bi0dread/quarry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// searchInput is shared by search, count and explain: either a YAML search
// document, or a type plus an inline query in the filter language.
type searchInput struct {
	file     string
	typeName string
	query    string
}

func (in *searchInput) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&in.file, "file", "f", "", "YAML search document ('-' for stdin)")
	cmd.Flags().StringVarP(&in.typeName, "type", "t", "Customer", "entity type for an inline query")
	cmd.Flags().StringVarP(&in.query, "query", "q", "", `inline query, e.g. 'age > 30 sort=name:asc page=skip:0,take:10'`)
}

func (in *searchInput) search(stdin io.Reader) (quarry.Search, error) {
	if in.file == "" {
		return quarry.ParseSearch(in.typeName, in.query)
	}
	r := stdin
	if in.file != "-" {
		f, err := os.Open(in.file)
		if err != nil {
			return quarry.Search{}, err
		}
		defer f.Close()
		r = f
	}
	return quarry.DecodeSearchYAML(r)
}

func newSearchCommand(a *app) *cobra.Command {
	var (
		in    searchInput
		total bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a search and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := in.search(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer b.close(ctx)

			if total {
				res, err := b.compiler.SearchAndCount(ctx, s)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), res)
			}
			res, err := b.compiler.Search(ctx, s)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res)
		},
	}
	in.bind(cmd)
	cmd.Flags().BoolVar(&total, "total", false, "also count all matches, ignoring paging")
	return cmd
}

func newCountCommand(a *app) *cobra.Command {
	var in searchInput
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count the rows a search matches, ignoring paging",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := in.search(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer b.close(ctx)

			n, err := b.compiler.Count(ctx, s)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	in.bind(cmd)
	return cmd
}

func newExplainCommand(a *app) *cobra.Command {
	var in searchInput
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the compiled plan and the native query without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := in.search(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer b.close(ctx)

			plan, err := b.compiler.Compile(s)
			if err != nil {
				return err
			}
			native, err := b.adapter.Explain(plan)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "search:  %s\nplan:    %s\n%s:\n%s\n", s, plan, b.adapter.Name(), native)
			return nil
		},
	}
	in.bind(cmd)
	return cmd
}

func newTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List searchable entity types and their properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range reg.Types() {
				m, err := reg.Metadata(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", name)
				for _, p := range m.Properties() {
					pt, err := m.PropertyType(p)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "  %-12s %s\n", p, describeProperty(pt))
				}
			}
			return nil
		},
	}
}

func describeProperty(m quarry.Metadata) string {
	switch {
	case m.IsCollection():
		return m.CollectionKind().String() + " of " + m.TypeName()
	case m.IsEntity():
		return "-> " + m.TypeName()
	case m.IsEmbeddable():
		return "embedded " + m.TypeName()
	}
	return m.TypeName()
}

func (a *app) print(w io.Writer, v any) error {
	if a.cfg.Format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
