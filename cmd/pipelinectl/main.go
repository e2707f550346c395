// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command pipelinectl validates and dry-runs pipeline definitions
// without a running stack.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/actions"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/loader"
)

var (
	rootCmd *cobra.Command

	runQuery      string
	runSessionID  string
	runRepository string
	runSnapshotID string
	runPipeline   string
	runTrace      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "pipelinectl",
		Short: "Validate, list, and dry-run RAG pipeline definitions",
	}

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Load a pipeline file and run structural validation",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	listCmd := &cobra.Command{
		Use:   "list [dir]",
		Short: "List pipelines found under a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Dry-run a pipeline against stub collaborators",
		Long: `Runs a pipeline with scripted stand-ins for search, graph, model,
and history. Useful for checking step wiring and transitions before a
definition reaches a live deployment.`,
		Args: cobra.ExactArgs(1),
		RunE: runDry,
	}
	runCmd.Flags().StringVar(&runQuery, "query", "How does the import pipeline work?", "user query for the dry run")
	runCmd.Flags().StringVar(&runSessionID, "session", "dry-run-session", "session id")
	runCmd.Flags().StringVar(&runRepository, "repo", "demo-repo", "repository name")
	runCmd.Flags().StringVar(&runSnapshotID, "snapshot", "snap-1", "snapshot id")
	runCmd.Flags().StringVar(&runPipeline, "pipeline", "", "pipeline name when the file defines several")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "print the full trace event list")

	rootCmd.AddCommand(validateCmd, listCmd, runCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	defs, err := loader.New(".").LoadFile(args[0])
	if err != nil {
		return err
	}
	allowed := actions.NewDefaultRegistry().Names()
	for _, def := range defs {
		if err := loader.Validate(def, allowed); err != nil {
			return err
		}
		for _, warning := range loader.Lint(def) {
			fmt.Fprintf(cmd.OutOrStdout(), "warning: %s: %s\n", def.Name, warning)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d steps)\n", def.Name, len(def.Steps))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	defs, err := loader.New(args[0]).LoadDir(args[0])
	if err != nil {
		return err
	}
	for _, def := range defs {
		entry, _ := def.EntryStepID()
		fmt.Fprintf(cmd.OutOrStdout(), "%-40s steps=%-3d entry=%s\n", def.Name, len(def.Steps), entry)
	}
	return nil
}

func runDry(cmd *cobra.Command, args []string) error {
	defs, err := loader.New(".").LoadFile(args[0])
	if err != nil {
		return err
	}
	def, err := selectPipeline(defs, runPipeline)
	if err != nil {
		return err
	}
	allowed := actions.NewDefaultRegistry().Names()
	if err := loader.Validate(def, allowed); err != nil {
		return err
	}

	state := datatypes.NewState()
	state.RunID = uuid.New().String()
	state.UserQuery = runQuery
	state.SessionID = runSessionID
	state.Repository = runRepository
	state.SnapshotID = runSnapshotID

	rt := newStubRuntime(logging.Default())
	rt.TraceEnabled = true

	eng := engine.New(actions.NewDefaultRegistry())
	if err := eng.Run(cmd.Context(), def, state, rt); err != nil {
		return fmt.Errorf("dry run of %q: %w", def.Name, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s finished in %d steps\n", def.Name, state.StepsUsed)
	fmt.Fprintf(cmd.OutOrStdout(), "final answer:\n%s\n", state.FinalAnswer)
	if runTrace {
		raw, err := json.MarshalIndent(state.TraceEvents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	}
	return nil
}

func selectPipeline(defs []*datatypes.PipelineDef, name string) (*datatypes.PipelineDef, error) {
	if name == "" {
		if len(defs) != 1 {
			return nil, fmt.Errorf("file defines %d pipelines, pick one with --pipeline", len(defs))
		}
		return defs[0], nil
	}
	for _, def := range defs {
		if def.Name == name {
			return def, nil
		}
	}
	return nil, fmt.Errorf("pipeline %q not found in file", name)
}
