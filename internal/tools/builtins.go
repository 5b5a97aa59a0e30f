package tools

import "github.com/basket/analyst/internal/taskstore"

// BuiltinOptions configures RegisterBuiltins.
type BuiltinOptions struct {
	Store           taskstore.Store
	APIKey          func(name string) string
	PreferredSearch string
}

// RegisterBuiltins registers the task tools, web_search and list_tools, then
// seals r.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	keys := opts.APIKey
	if keys == nil {
		keys = func(string) string { return "" }
	}
	descs := TaskDescriptors(opts.Store)
	descs = append(descs, SearchDescriptor(SearchProviders(keys, opts.PreferredSearch)), ListToolsDescriptor(r))
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	r.Seal()
	return nil
}
