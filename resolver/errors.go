package resolver

import "fmt"

// ConfigReadError means the config file could not be opened or read.
type ConfigReadError struct {
	Path string
	Err  error
}

func (e *ConfigReadError) Error() string {
	return fmt.Sprintf("read config %s: %v", e.Path, e.Err)
}

func (e *ConfigReadError) Unwrap() error { return e.Err }

// ConfigParseError means the config file or a request override is not
// well-formed structured data with a mapping at the top level.
type ConfigParseError struct {
	Source string
	Err    error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Source, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }
