package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jward/conflux"
)

var (
	flagLimit  int
	flagOffset int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the dependency graph",
	Long: "Read the stored graph. Symbols are given by node ID or by name; a name that " +
		"matches several symbols is an error listing the candidates.",
}

func init() {
	queryCmd.PersistentFlags().IntVar(&flagLimit, "limit", 50, "pagination limit (max 500)")
	queryCmd.PersistentFlags().IntVar(&flagOffset, "offset", 0, "pagination offset")

	queryCmd.AddCommand(nodeCmd)
	queryCmd.AddCommand(depsCmd)
	queryCmd.AddCommand(dependentsCmd)
	queryCmd.AddCommand(impactCmd)
	queryCmd.AddCommand(leadsToCmd)
	queryCmd.AddCommand(historyCmd)
	queryCmd.AddCommand(lineageCmd)
	queryCmd.AddCommand(statsCmd)
}

// errAmbiguous is returned when a symbol name matches more than one node.
var errAmbiguous = errors.New("ambiguous symbol")

// --- Helpers ---

// queryEnv is what every query command needs.
type queryEnv struct {
	ctx        context.Context
	engine     *conflux.Engine
	q          *conflux.QueryBuilder
	repository string
	out        io.Writer
	errOut     io.Writer
	close      func()
}

// openQuery opens the graph of the repository containing the cwd.
func openQuery(cmd *cobra.Command) (*queryEnv, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting cwd: %w", err)
	}
	root := findRepoRoot(cwd)
	ctx := cmd.Context()
	e, logger, err := openEngine(ctx, root, false)
	if err != nil {
		return nil, err
	}
	return &queryEnv{
		ctx:        ctx,
		engine:     e,
		q:          e.Query(),
		repository: repositoryID(root),
		out:        cmd.OutOrStdout(),
		errOut:     cmd.ErrOrStderr(),
		close: func() {
			e.Close()
			_ = logger.Sync()
		},
	}, nil
}

// resolve finds exactly one node for ref.
func (env *queryEnv) resolve(ref string) (*conflux.Node, error) {
	nodes, err := env.q.Resolve(env.ctx, env.repository, ref)
	if err != nil {
		return nil, err
	}
	switch len(nodes) {
	case 0:
		return nil, fmt.Errorf("symbol not found: %s", ref)
	case 1:
		return nodes[0], nil
	}
	msg := fmt.Sprintf("%s matches %d symbols:", ref, len(nodes))
	for _, n := range nodes {
		msg += fmt.Sprintf("\n  %s %s (%s)", n.ID, n.QualifiedName, n.Path)
	}
	return nil, fmt.Errorf("%w: %s", errAmbiguous, msg)
}

// buildPagination creates a Pagination from CLI flags.
func buildPagination() conflux.Pagination {
	return conflux.Pagination{Offset: flagOffset, Limit: flagLimit}
}

// runNodeList is shared by the commands that list nodes related to one
// symbol.
func runNodeList(command string, list func(*queryEnv, string, conflux.Pagination) (*conflux.PagedResult[*conflux.Node], error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := openQuery(cmd)
		if err != nil {
			return outputError(cmd.OutOrStdout(), cmd.ErrOrStderr(), command, err)
		}
		defer env.close()

		n, err := env.resolve(args[0])
		if err != nil {
			return outputError(env.out, env.errOut, command, err)
		}
		res, err := list(env, n.ID, buildPagination())
		if err != nil {
			return outputError(env.out, env.errOut, command, err)
		}
		total := res.TotalCount
		return outputResult(env.out, CLIResult{Command: command, Results: nodesToCLI(res.Items), TotalCount: &total})
	}
}

// --- Commands ---

var nodeCmd = &cobra.Command{
	Use:   "node <symbol>",
	Short: "Show a symbol",
	Args:  cobra.ExactArgs(1),
	RunE:  runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	env, err := openQuery(cmd)
	if err != nil {
		return outputError(cmd.OutOrStdout(), cmd.ErrOrStderr(), "node", err)
	}
	defer env.close()

	n, err := env.resolve(args[0])
	if err != nil {
		return outputError(env.out, env.errOut, "node", err)
	}
	return outputResult(env.out, CLIResult{Command: "node", Results: nodeToCLI(n)})
}

var depsCmd = &cobra.Command{
	Use:   "deps <symbol>",
	Short: "List the symbols a symbol depends on directly",
	Args:  cobra.ExactArgs(1),
	RunE: runNodeList("deps", func(env *queryEnv, id string, p conflux.Pagination) (*conflux.PagedResult[*conflux.Node], error) {
		return env.q.Dependencies(env.ctx, id, p)
	}),
}

var dependentsCmd = &cobra.Command{
	Use:   "dependents <symbol>",
	Short: "List the symbols that depend on a symbol directly",
	Args:  cobra.ExactArgs(1),
	RunE: runNodeList("dependents", func(env *queryEnv, id string, p conflux.Pagination) (*conflux.PagedResult[*conflux.Node], error) {
		return env.q.Dependents(env.ctx, id, p)
	}),
}

var impactCmd = &cobra.Command{
	Use:   "impact <symbol>",
	Short: "List every symbol a change to a symbol can affect",
	Args:  cobra.ExactArgs(1),
	RunE: runNodeList("impact", func(env *queryEnv, id string, p conflux.Pagination) (*conflux.PagedResult[*conflux.Node], error) {
		return env.q.Impact(env.ctx, id, p)
	}),
}

var leadsToCmd = &cobra.Command{
	Use:   "leads-to <from> <to>",
	Short: "Report whether one symbol transitively depends on another",
	Args:  cobra.ExactArgs(2),
	RunE:  runLeadsTo,
}

func runLeadsTo(cmd *cobra.Command, args []string) error {
	env, err := openQuery(cmd)
	if err != nil {
		return outputError(cmd.OutOrStdout(), cmd.ErrOrStderr(), "leads-to", err)
	}
	defer env.close()

	from, err := env.resolve(args[0])
	if err != nil {
		return outputError(env.out, env.errOut, "leads-to", err)
	}
	to, err := env.resolve(args[1])
	if err != nil {
		return outputError(env.out, env.errOut, "leads-to", err)
	}
	ok, err := env.q.LeadsTo(env.ctx, from.ID, to.ID)
	if err != nil {
		return outputError(env.out, env.errOut, "leads-to", err)
	}
	return outputResult(env.out, CLIResult{Command: "leads-to", Results: ok})
}

var historyCmd = &cobra.Command{
	Use:   "history <file>",
	Short: "List the applied versions of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	env, err := openQuery(cmd)
	if err != nil {
		return outputError(cmd.OutOrStdout(), cmd.ErrOrStderr(), "history", err)
	}
	defer env.close()

	evs, err := env.q.History(env.ctx, env.repository, args[0], flagLimit)
	if err != nil {
		return outputError(env.out, env.errOut, "history", err)
	}
	versions := versionsToCLI(evs)
	n := len(versions)
	return outputResult(env.out, CLIResult{Command: "history", Results: versions, TotalCount: &n})
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <file>",
	Short: "List the provenance records of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLineage,
}

func runLineage(cmd *cobra.Command, args []string) error {
	env, err := openQuery(cmd)
	if err != nil {
		return outputError(cmd.OutOrStdout(), cmd.ErrOrStderr(), "lineage", err)
	}
	defer env.close()

	recs, err := env.q.Lineage(env.ctx, conflux.ModuleID(env.repository, args[0]), flagLimit)
	if err != nil {
		return outputError(env.out, env.errOut, "lineage", err)
	}
	out := lineageToCLI(recs)
	n := len(out)
	return outputResult(env.out, CLIResult{Command: "lineage", Results: out, TotalCount: &n})
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the stored graph",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	env, err := openQuery(cmd)
	if err != nil {
		return outputError(cmd.OutOrStdout(), cmd.ErrOrStderr(), "stats", err)
	}
	defer env.close()

	st, err := env.q.Stats(env.ctx)
	if err != nil {
		return outputError(env.out, env.errOut, "stats", err)
	}
	return outputResult(env.out, CLIResult{Command: "stats", Results: st})
}
