package cliotool

// RegisterBuiltins adds every built-in tool to the registry, in the order
// they are presented to the model.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []*Tool{
		NewShellTool(),
		NewReadFileTool(),
		NewWriteFileTool(),
		NewEditFileTool(),
		NewTodoReadTool(),
		NewTodoWriteTool(),
		NewGitCommitTool(),
		NewResultFetchTool(),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
