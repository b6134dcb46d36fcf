package featureflags

// Merge returns the effective definition for env: the environment's
// override applied field by field onto a copy of base. base is not modified.
func Merge(base Definition, env string) Definition {
	out := base.Clone()
	o, ok := base.Environments[env]
	if !ok {
		return out
	}
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.Percentage != nil {
		out.Percentage = *o.Percentage
	}
	if o.Value != nil {
		out.Value = o.Value
	}
	return out
}
