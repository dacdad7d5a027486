// Package commands executes the data queries and actions requested by the model.
//
// Invariants:
// - Parameters are validated against a JSON Schema generated from each definition.
// - Data queries and enrichments may only run read-only commands.
// - A failing command never aborts the batch; its result carries the error.
//
// Usage:
//
//	exec := commands.NewExecutor(logger)
//	_ = commands.RegisterBuiltins(exec, notesStore, time.Now)
//	res, _ := exec.Execute(ctx, msg.DataCommands, commands.KindDataQuery)
package commands
