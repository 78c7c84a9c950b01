package codec

type fileCodec struct{}

func (fileCodec) IsValidJSON(v any) bool {
	return hasTag(v, "File")
}

// Files are stored by name.
func (fileCodec) IsValidDatabaseObject(v any) bool {
	_, ok := v.(string)
	return ok
}

func (fileCodec) JSONToDatabase(v any) (any, error) {
	m, err := mustMap(v, "File")
	if err != nil {
		return nil, err
	}
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return nil, invalid("File value needs a name")
	}
	return name, nil
}

func (fileCodec) DatabaseToJSON(v any) (map[string]any, error) {
	name, ok := v.(string)
	if !ok {
		return nil, invalid("expected a file name, got %s", describe(v))
	}
	return map[string]any{"__type": "File", "name": name}, nil
}
