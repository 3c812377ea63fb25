package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/types"
)

// ValidationError collects all validation errors and warnings.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed with %d error(s):\n  %s",
		len(e.Errors), strings.Join(e.Errors, "\n  "))
}

// Report is the outcome of checking one script.
type Report struct {
	ID   string
	Meta types.ExecutableMeta
}

// Check compiles and loads every script of dir without keeping them, and
// reports what each one was classified as. decode turns file bytes into
// UTF-8 source. Warnings are returned alongside reports; errors make the
// returned error a *ValidationError.
func Check(dir string, decode func([]byte) (string, error), log zerolog.Logger) ([]Report, []string, error) {
	files, err := Discover(dir)
	if err != nil {
		return nil, nil, err
	}

	ve := &ValidationError{}
	var reports []Report
	for _, f := range files {
		id := IDOf(f)
		if !model.ValidID(id) {
			ve.Errors = append(ve.Errors, fmt.Sprintf("%s: invalid executable id %q", f, id))
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		source, err := decode(raw)
		if err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		proto, err := Compile(id, source)
		if err != nil {
			ve.Errors = append(ve.Errors, err.Error())
			continue
		}
		m, err := Require(id, proto, log)
		if err != nil {
			ve.Errors = append(ve.Errors, err.Error())
			continue
		}
		ve.Warnings = append(ve.Warnings, lint(m)...)
		reports = append(reports, Report{ID: id, Meta: m.Meta()})
		m.Close()
	}

	if len(ve.Errors) > 0 {
		return reports, ve.Warnings, ve
	}
	return reports, ve.Warnings, nil
}

// lint warns about scripts that look like rules but were not classified as
// such, and about rules missing their gating metadata.
func lint(m *Module) []string {
	var warnings []string
	declared := ""
	if m.table != nil {
		declared = getString(m.table, "kind")
	}
	meta := m.Meta()
	switch {
	case declared != "" && string(meta.Kind) != declared:
		warnings = append(warnings, fmt.Sprintf(
			"%s declares kind %q but lacks its functions; loaded as %s", m.ID(), declared, meta.Kind))
	case meta.Kind == types.ScriptRule && meta.Category == "":
		warnings = append(warnings, fmt.Sprintf("rule %s has no category", m.ID()))
	case meta.Kind != types.ScriptPlain && !meta.Active:
		warnings = append(warnings, fmt.Sprintf("%s %s is inactive", meta.Kind, m.ID()))
	}
	return warnings
}
