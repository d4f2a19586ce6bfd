package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/larder/pkg/resource"
)

// Severities of a ValidationError.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// CUEParser parses and validates CUE declaration files.
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
	logger            zerolog.Logger
}

// ParserOption configures a CUEParser.
type ParserOption func(*CUEParser)

// WithLogger sets the logger used for declaration diagnostics.
func WithLogger(logger zerolog.Logger) ParserOption {
	return func(cp *CUEParser) {
		cp.logger = logger
	}
}

// WithScriptTimeout bounds every Starlark evaluation.
func WithScriptTimeout(timeout time.Duration) ParserOption {
	return func(cp *CUEParser) {
		cp.starlarkEvaluator = NewStarlarkEvaluator(timeout)
	}
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser(opts ...ParserOption) *CUEParser {
	ctx := cuecontext.New()
	cp := &CUEParser{
		ctx:               ctx,
		schemaRegistry:    NewSchemaRegistry(ctx),
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         newValidator(),
		logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// newValidator returns a validator that also knows resource_key, a
// type::name reference.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("resource_key", func(fl validator.FieldLevel) bool {
		_, err := resource.ParseKey(fl.Field().String())
		return err == nil
	})
	return v
}

// Parse parses CUE declarations from the given files and directories.
// Problems with the declarations are reported in Document.Errors; the
// returned error is reserved for sources that cannot be read at all.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*Document, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &Document{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return cp.extractDocument(ctx, cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*Document, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &Document{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractDocument(ctx, val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: SeverityError,
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: SeverityError,
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractDocument checks val against the document schema and decodes it.
func (cp *CUEParser) extractDocument(ctx context.Context, val cue.Value, sourceFiles []string) *Document {
	doc := &Document{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	unified, err := cp.schemaRegistry.Apply("document", val)
	if err != nil {
		doc.Errors = append(doc.Errors, ValidationError{Message: err.Error(), Severity: SeverityError})
		return doc
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		doc.Errors = append(doc.Errors, cp.convertCUEErrors(err)...)
		return doc
	}

	cp.extractCatalogs(unified.LookupPath(cue.ParsePath("catalogs")), doc)
	cp.extractManifests(unified.LookupPath(cue.ParsePath("manifests")), doc)

	if len(doc.Errors) > 0 {
		return doc
	}

	if err := cp.validator.StructCtx(ctx, doc); err != nil {
		doc.Errors = append(doc.Errors, convertValidatorErrors(err)...)
	}
	doc.Errors = append(doc.Errors, checkReferences(doc)...)

	return doc
}

// extractCatalogs decodes the catalogs struct, keeping declaration order.
func (cp *CUEParser) extractCatalogs(val cue.Value, doc *Document) {
	if !val.Exists() {
		return
	}

	iter, err := val.Fields()
	if err != nil {
		doc.Errors = append(doc.Errors, cp.decodeError("catalogs", err))
		return
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		var spec CatalogSpec
		if err := iter.Value().Decode(&spec); err != nil {
			doc.Errors = append(doc.Errors, cp.decodeError("catalogs."+name, err))
			continue
		}
		spec.Name = name
		doc.Catalogs = append(doc.Catalogs, spec)
	}
}

// extractManifests decodes the manifests struct, keeping declaration order.
func (cp *CUEParser) extractManifests(val cue.Value, doc *Document) {
	if !val.Exists() {
		return
	}

	iter, err := val.Fields()
	if err != nil {
		doc.Errors = append(doc.Errors, cp.decodeError("manifests", err))
		return
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		var spec ManifestSpec
		if err := iter.Value().Decode(&spec); err != nil {
			doc.Errors = append(doc.Errors, cp.decodeError("manifests."+name, err))
			continue
		}
		spec.Name = name
		doc.Manifests = append(doc.Manifests, spec)
	}
}

func (cp *CUEParser) decodeError(path string, err error) ValidationError {
	ve := ValidationError{
		Path:     path,
		Message:  fmt.Sprintf("failed to decode: %v", err),
		Severity: SeverityError,
	}
	if converted := cp.convertCUEErrors(err); len(converted) > 0 {
		ve.File = converted[0].File
		ve.Line = converted[0].Line
		ve.Column = converted[0].Column
	}
	return ve
}

// checkReferences warns about catalogs using undeclared manifests. Such
// names are skipped by the engine, so they are not errors.
func checkReferences(doc *Document) []ValidationError {
	declared := make(map[string]bool, len(doc.Manifests))
	for _, m := range doc.Manifests {
		declared[m.Name] = true
	}

	var warnings []ValidationError
	for _, c := range doc.Catalogs {
		for _, name := range c.Manifests {
			if !declared[name] {
				warnings = append(warnings, ValidationError{
					Path:     "catalogs." + c.Name + ".manifests",
					Message:  fmt.Sprintf("manifest %s is not declared", name),
					Severity: SeverityWarning,
				})
			}
		}
	}
	return warnings
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: SeverityError,
		})
	}

	return validationErrors
}

// convertValidatorErrors converts struct validation failures.
func convertValidatorErrors(err error) []ValidationError {
	var fieldErrors validator.ValidationErrors
	if !stderrors.As(err, &fieldErrors) {
		return []ValidationError{{Message: err.Error(), Severity: SeverityError}}
	}

	out := make([]ValidationError, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		msg := fmt.Sprintf("failed on the %s rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on the %s=%s rule", fe.Tag(), fe.Param())
		}
		if fe.Tag() == "resource_key" {
			msg = fmt.Sprintf("%q is not a type::name reference", fe.Value())
		}
		out = append(out, ValidationError{
			Path:     fe.Namespace(),
			Message:  msg,
			Severity: SeverityError,
		})
	}
	return out
}

// HasErrors reports whether doc has errors of error severity.
func (d *Document) HasErrors() bool {
	for _, e := range d.Errors {
		if e.Severity != SeverityWarning {
			return true
		}
	}
	return false
}

// Err joins the errors of error severity, or returns nil.
func (d *Document) Err() error {
	var errs []error
	for _, e := range d.Errors {
		if e.Severity != SeverityWarning {
			errs = append(errs, e)
		}
	}
	return stderrors.Join(errs...)
}

// ValidateWithSchema validates Go data against a named schema.
func (cp *CUEParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return cp.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// LoadFromDirectory lists all CUE files under dir, sorted.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != dir && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
