// Package templates compiles and executes the text templates that turn a compiled
// pipeline definition into backend pipeline configuration.
//
// Templates are compiled once per name and cached. Execution runs under a deadline so
// a runaway template cannot stall a replication run.
//
//	engine := templates.NewEngine(nil)
//	if err := engine.CompileTemplate("default", src); err != nil {
//		return err
//	}
//	result, err := engine.ExecuteNamed(ctx, "default", data)
package templates
