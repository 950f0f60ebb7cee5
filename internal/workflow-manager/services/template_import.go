package services

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
)

type templateFile struct {
	Templates []TemplateDefinition `yaml:"templates"`
}

// ParseTemplateDefinitions reads a YAML document with a top level "templates" list.
func ParseTemplateDefinitions(r io.Reader) ([]TemplateDefinition, error) {
	var f templateFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse template file: %w", err)
	}
	return f.Templates, nil
}

// ImportTemplates creates every definition for firmID. Definitions that carry their own firm_id
// keep it. The import stops at the first invalid template.
func (s *TemplateStore) ImportTemplates(ctx context.Context, firmID uint, defs []TemplateDefinition) ([]wfDB.Template, error) {
	created := make([]wfDB.Template, 0, len(defs))
	for i, def := range defs {
		if def.FirmID == 0 {
			def.FirmID = firmID
		}
		tmpl, err := s.Create(ctx, def)
		if err != nil {
			return created, fmt.Errorf("template %d (%s): %w", i+1, def.Name, err)
		}
		created = append(created, *tmpl)
	}
	return created, nil
}
