package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/orneryd/mindtree/pkg/backup"
	"github.com/orneryd/mindtree/pkg/command"
	"github.com/orneryd/mindtree/pkg/mindtree"
	"github.com/orneryd/mindtree/pkg/storage"
	"github.com/orneryd/mindtree/pkg/tree"
)

// parsePath parses "0/2/1" into child positions. "" and "/" are the root.
func parsePath(s string) ([]int, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' })
	path := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid path %q: %q is not a position", s, p)
		}
		path = append(path, n)
	}
	return path, nil
}

func formatPath(path []int) string {
	if len(path) == 0 {
		return "/"
	}
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "/")
}

func (a *app) treeCommands() []*cobra.Command {
	addCmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a child node",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runAdd,
	}
	addCmd.Flags().String("parent", "", "Parent path (default: root)")
	addCmd.Flags().Int("pos", tree.End, "Position among the parent's links (-1 appends)")

	refCmd := &cobra.Command{
		Use:   "ref <referrer> <referent>",
		Short: "Add a reference from one node to another",
		Args:  cobra.ExactArgs(2),
		RunE:  a.runRef,
	}
	refCmd.Flags().Int("pos", tree.End, "Position among the referrer's links (-1 appends)")

	trashCmd := &cobra.Command{
		Use:   "trash <path>",
		Short: "Move a subtree to the trash, or delete a reference",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runTrash,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a trashed subtree to where it was removed",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runRestore,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge [id]",
		Short: "Delete trashed subtrees for good",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runPurge,
	}
	purgeCmd.Flags().Bool("all", false, "Empty the whole trash")

	lsCmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "Print a subtree with link positions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runLs,
	}
	lsCmd.Flags().Bool("trash", false, "List the trash instead")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every structural invariant of the tree and the trash",
		RunE:  a.runVerify,
	}

	exportCmd := &cobra.Command{
		Use:   "export [path]",
		Short: "Write a subtree outline, or the whole graph, as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runExport,
	}
	exportCmd.Flags().Bool("graph", false, "Export the whole graph in Neo4j JSON format")

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over node texts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  a.runSearch,
	}
	searchCmd.Flags().Int("limit", 0, "Maximum number of matches")

	return []*cobra.Command{addCmd, refCmd, trashCmd, restoreCmd, purgeCmd, lsCmd, verifyCmd, exportCmd, searchCmd}
}

func (a *app) runAdd(cmd *cobra.Command, args []string) error {
	parentFlag, _ := cmd.Flags().GetString("parent")
	parent, err := parsePath(parentFlag)
	if err != nil {
		return err
	}
	pos, _ := cmd.Flags().GetInt("pos")

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	op := &command.AddingChild{
		Store:      db.Store,
		Parent:     parent,
		Pos:        pos,
		Properties: map[string]any{"x": args[0]},
	}
	if _, err := db.Manager.Do(cmd.Context(), op); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", formatPath(op.Path()))
	return nil
}

func (a *app) runRef(cmd *cobra.Command, args []string) error {
	referrer, err := parsePath(args[0])
	if err != nil {
		return err
	}
	referent, err := parsePath(args[1])
	if err != nil {
		return err
	}
	pos, _ := cmd.Flags().GetInt("pos")

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	op := &command.AddingReference{Store: db.Store, Referrer: referrer, Referent: referent, Pos: pos}
	if _, err := db.Manager.Do(cmd.Context(), op); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "linked %s -> %s\n", formatPath(referrer), formatPath(referent))
	return nil
}

func (a *app) runTrash(cmd *cobra.Command, args []string) error {
	target, err := parsePath(args[0])
	if err != nil {
		return err
	}

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	link, err := db.Store.LinkAtPath(target)
	if err != nil {
		return err
	}
	if _, err := db.Manager.Do(cmd.Context(), &command.Removing{Store: db.Store, Target: target}); err != nil {
		return err
	}
	if link.Type == tree.Reference {
		fmt.Fprintf(cmd.OutOrStdout(), "removed reference %s\n", formatPath(target))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "trashed %s (restore with: mindtree restore %s)\n", formatPath(target), link.Target)
	return nil
}

func (a *app) runRestore(cmd *cobra.Command, args []string) error {
	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	root := storage.VertexID(args[0])
	parent, pos, err := db.Store.Restore(root)
	if err != nil {
		db.Store.Rollback()
		return err
	}
	if _, err := db.Store.Commit(); err != nil {
		return err
	}
	path, err := db.Store.PathOf(parent)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", formatPath(append(path, pos)))
	return nil
}

func (a *app) runPurge(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(args) == 1) {
		return fmt.Errorf("give either a trashed id or --all")
	}

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	if all {
		err = db.Store.PurgeAll()
	} else {
		err = db.Store.Purge(storage.VertexID(args[0]))
	}
	if err != nil {
		db.Store.Rollback()
		return err
	}
	if _, err := db.Store.Commit(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "purged")
	return nil
}

func (a *app) runLs(cmd *cobra.Command, args []string) error {
	path, err := parsePath(firstArg(args))
	if err != nil {
		return err
	}
	showTrash, _ := cmd.Flags().GetBool("trash")

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	if showTrash {
		return listTrash(cmd.OutOrStdout(), db)
	}
	v, err := db.Store.VertexAt(path)
	if err != nil {
		return err
	}
	return printTree(cmd.OutOrStdout(), db, v, 0)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// printTree prints the links under v. References are marked "~>" and not
// descended into.
func printTree(w io.Writer, db *mindtree.DB, v storage.VertexID, depth int) error {
	links, err := db.Store.Links(v)
	if err != nil {
		return err
	}
	for _, l := range links {
		text, err := db.Model.Text(l.Target)
		if err != nil {
			return err
		}
		marker := ""
		if l.Type == tree.Reference {
			marker = "~> "
		}
		fmt.Fprintf(w, "%s%d %s%s\n", strings.Repeat("  ", depth), l.Pos, marker, text)
		if l.Type == tree.Include {
			if err := printTree(w, db, l.Target, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func listTrash(w io.Writer, db *mindtree.DB) error {
	roots, err := db.Store.TrashedRoots()
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		fmt.Fprintln(w, "trash is empty")
		return nil
	}
	for _, root := range roots {
		rec, err := db.Store.TrashRecord(root)
		if err != nil {
			return err
		}
		text, err := db.Model.Text(root)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  %q  from %s at %d, %d refs\n", root, text, rec.Parent, rec.Pos, len(rec.Refs))
	}
	return nil
}

func (a *app) runVerify(cmd *cobra.Command, args []string) error {
	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Store.Verify(); err != nil {
		return err
	}
	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d vertices, %d edges, %d trashed subtrees\n",
		stats.Vertices, stats.Edges, stats.TrashedRoots)
	return nil
}

func (a *app) runExport(cmd *cobra.Command, args []string) error {
	graph, _ := cmd.Flags().GetBool("graph")
	path, err := parsePath(firstArg(args))
	if err != nil {
		return err
	}

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	var doc any
	if graph {
		doc, err = backup.Export(cmd.Context(), db.Engine)
	} else {
		var v storage.VertexID
		if v, err = db.Store.VertexAt(path); err == nil {
			doc, err = db.Model.CopyTree(v)
		}
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func (a *app) runSearch(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("limit") {
		a.cfg.Search.Limit, _ = cmd.Flags().GetInt("limit")
	}

	db, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	run := db.Searcher.Submit(cmd.Context(), strings.Join(args, " "))
	out := cmd.OutOrStdout()
	n := 0
	for m := range run.Matches {
		n++
		label, err := db.Model.InheritInfo(m.ID)
		if err != nil {
			label = m.Text
		}
		fmt.Fprintf(out, "%6.2f  %s\n", m.Score, label)
	}
	if err := run.Wait(); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(out, "no matches")
	}
	return nil
}

func (a *app) backupCommand() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the tree to the configured sink",
		RunE:  a.runBackup,
	}
	backupCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored backups",
		RunE:  a.runBackupList,
	})
	backupCmd.AddCommand(&cobra.Command{
		Use:   "restore [key]",
		Short: "Load a backup into an empty store (default: the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runBackupRestore,
	})
	return backupCmd
}

func (a *app) runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sink, err := backup.Open(ctx, a.cfg.Backup)
	if err != nil {
		return err
	}
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	info, err := backup.Backup(ctx, db.Engine, sink, backup.Options{
		Prefix:   a.cfg.Backup.Prefix,
		Compress: a.cfg.Backup.Compress,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", info.Key, humanize.IBytes(uint64(info.Size)))
	return nil
}

func (a *app) runBackupList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sink, err := backup.Open(ctx, a.cfg.Backup)
	if err != nil {
		return err
	}
	prefix := a.cfg.Backup.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	infos, err := sink.List(ctx, prefix)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, info := range infos {
		fmt.Fprintf(out, "%s  %8s  %s\n", info.Key, humanize.IBytes(uint64(info.Size)), humanize.Time(info.LastModified))
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "no backups")
	}
	return nil
}

func (a *app) runBackupRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sink, err := backup.Open(ctx, a.cfg.Backup)
	if err != nil {
		return err
	}

	key := firstArg(args)
	if key == "" {
		latest, err := backup.Latest(ctx, sink, a.cfg.Backup.Prefix)
		if err != nil {
			return err
		}
		key = latest.Key
	}

	// Import needs an engine without a tree in it, so bypass mindtree.Open.
	engine, err := mindtree.OpenEngine(ctx, a.cfg.Storage)
	if err != nil {
		return err
	}
	if err := backup.Restore(ctx, sink, key, engine); err != nil {
		engine.Close()
		return err
	}
	if err := engine.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %s into %s\n", key, a.cfg.Storage.Engine)
	return nil
}
