package stageflow

// keepKeys copies the descriptor's key_keep entries from data into acc.
func keepKeys(stage string, desc StageDescriptor, data, acc Record) error {
	for _, k := range desc.KeyKeep {
		v, ok := data[k]
		if !ok {
			return &MissingKeyError{StageName: stage, Key: k, Source: SourceData}
		}
		acc[k] = v
	}
	return nil
}

// routeInputs builds the named arguments of a stage: key_from_data entries
// from data, key_from_previous entries from acc.
func routeInputs(stage string, desc StageDescriptor, data, acc Record) (Record, error) {
	inputs := make(Record, len(desc.KeyFromData)+len(desc.KeyFromPrevious))
	for _, k := range desc.KeyFromData {
		v, ok := data[k]
		if !ok {
			return nil, &MissingKeyError{StageName: stage, Key: k, Source: SourceData}
		}
		inputs[k] = v
	}
	for _, k := range desc.KeyFromPrevious {
		v, ok := acc[k]
		if !ok {
			return nil, &MissingKeyError{StageName: stage, Key: k, Source: SourcePrevious}
		}
		inputs[k] = v
	}
	return inputs, nil
}

// RouteInputs exposes the routing of a descriptor for callers that drive
// stages themselves. It returns the named arguments the stage would receive.
func RouteInputs(stage string, desc StageDescriptor, data, acc Record) (Record, error) {
	return routeInputs(stage, desc, data, acc)
}

// mergeInto copies every produced key into acc. Later values win.
func mergeInto(acc, produced Record) {
	for k, v := range produced {
		acc[k] = v
	}
}
