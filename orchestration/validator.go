package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fernridge/conductor/core"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// OutputParserError is the reason an OutputParser failed, distinct from
// an ordinary JSON unmarshal error.
type OutputParserError string

const (
	ErrMalformedOutput    OutputParserError = "MALFORMED_OUTPUT"
	ErrTrailingText       OutputParserError = "TRAILING_TEXT"
	ErrMissingRequiredKey OutputParserError = "MISSING_REQUIRED_KEY"
)

// ParsedTrailer is the decoded JSON trailer every provider response must
// carry. neededChanges is left as raw JSON rather than a fixed Go type:
// the happy-path scenario in the spec emits it as a bare bool
// ("neededChanges":true meaning none), while the prompt builder's own
// instructions ask providers for a list of still-needed changes, so
// either shape must unmarshal without error.
type ParsedTrailer struct {
	Status        string          `json:"status"`
	FilesCreated  []string        `json:"files_created"`
	FilesUpdated  []string        `json:"files_updated"`
	Changes       []string        `json:"changes"`
	NeededChanges json.RawMessage `json:"neededChanges"`
	Summary       string          `json:"summary"`
}

// NeededChangesList normalizes the neededChanges trailer field to a list
// of still-needed changes, regardless of whether the provider emitted it
// as a bool (true meaning "none", matching the spec's happy-path
// example) or as an array of change descriptions (matching the prompt
// builder's instructions). An empty or absent field, or a bare false/true,
// both yield an empty list.
func (t *ParsedTrailer) NeededChangesList() []string {
	if len(t.NeededChanges) == 0 {
		return nil
	}
	var asList []string
	if err := json.Unmarshal(t.NeededChanges, &asList); err == nil {
		return asList
	}
	return nil
}

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

// extractJSONTrailerText implements the shared part of the OutputParser
// rule: locating and validating the JSON trailer text itself, accepting
// a fenced ```json block with nothing after the closing fence, or a
// bare object spanning the entire message. Arrays, primitives, and
// malformed JSON are rejected outright. requiredKeys lets different
// trailer shapes (the task trailer vs. the helper response) enforce
// their own required-key sets.
func extractJSONTrailerText(raw string, requiredKeys []string) (string, OutputParserError) {
	trimmed := strings.TrimSpace(raw)

	var jsonText string
	if m := fencedJSONBlock.FindStringSubmatchIndex(trimmed); m != nil {
		after := strings.TrimSpace(trimmed[m[1]:])
		if after != "" {
			return "", ErrTrailingText
		}
		jsonText = trimmed[m[2]:m[3]]
	} else {
		jsonText = trimmed
	}

	jsonText = strings.TrimSpace(jsonText)
	if jsonText == "" {
		return "", ErrMalformedOutput
	}
	if !strings.HasPrefix(jsonText, "{") || !strings.HasSuffix(jsonText, "}") {
		return "", ErrMalformedOutput
	}

	var raw2 map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(jsonText))
	if err := dec.Decode(&raw2); err != nil {
		return "", ErrMalformedOutput
	}
	if dec.More() {
		return "", ErrTrailingText
	}

	for _, required := range requiredKeys {
		if _, ok := raw2[required]; !ok {
			return "", ErrMissingRequiredKey
		}
	}
	return jsonText, ""
}

// ParseOutput implements the OutputParser rule for the
// task trailer shape.
func ParseOutput(raw string) (*ParsedTrailer, OutputParserError) {
	jsonText, parseErr := extractJSONTrailerText(raw, []string{"status", "summary"})
	if parseErr != "" {
		return nil, parseErr
	}
	var trailer ParsedTrailer
	if err := json.Unmarshal([]byte(jsonText), &trailer); err != nil {
		return nil, ErrMalformedOutput
	}
	return &trailer, ""
}

// ASTAdapter is the polymorphic capability set the Validator queries for
// structural, EXACT-confidence matches.
// Bound by file extension via a registry rather than a type switch, so
// new languages can be added without touching the Validator itself.
type ASTAdapter interface {
	HasFunction(file, name string) (bool, error)
	HasClass(file, name string) (bool, error)
	HasExport(file, name string) (bool, error)
	HasMethod(file, className, methodName string) (bool, error)
	HasDecorator(file, name string) (bool, error)
}

// ASTAdapterRegistry binds file extensions to ASTAdapter implementations.
type ASTAdapterRegistry struct {
	adapters map[string]ASTAdapter
}

// NewASTAdapterRegistry builds a registry with the Go adapter registered
// by default; other languages register their own adapters via Register.
func NewASTAdapterRegistry() *ASTAdapterRegistry {
	r := &ASTAdapterRegistry{adapters: map[string]ASTAdapter{}}
	r.Register(".go", &GoASTAdapter{})
	return r
}

// Register binds an extension (including the leading dot) to an adapter.
func (r *ASTAdapterRegistry) Register(ext string, adapter ASTAdapter) {
	r.adapters[ext] = adapter
}

// For returns the adapter bound to a file's extension, or nil if none is
// registered (the Validator then falls back to regex/keyword matching
// capped at LOW confidence).
func (r *ASTAdapterRegistry) For(file string) ASTAdapter {
	return r.adapters[filepath.Ext(file)]
}

// Validator runs the fixed rule chain: OutputParser, required
// artifacts, acceptance criteria, test command, JSON schema. Grounded on
// the teacher's validation-free orchestration layer having no direct
// analogue; the chain-of-rules shape and ValidationCache wiring follow
// this repo's own cache.go and core/types.go ValidationReport shape.
type Validator struct {
	cache    *ValidationCache
	adapters *ASTAdapterRegistry
}

// NewValidator builds a Validator over the given cache and AST registry.
func NewValidator(cache *ValidationCache, adapters *ASTAdapterRegistry) *Validator {
	if adapters == nil {
		adapters = NewASTAdapterRegistry()
	}
	return &Validator{cache: cache, adapters: adapters}
}

// Validate runs the rule chain against one ProviderResult for a task,
// rooted at workingDirectory, returning the accumulated report.
func (v *Validator) Validate(ctx context.Context, task *core.Task, workingDirectory, projectID string, result *core.ProviderResult) (*core.ValidationReport, error) {
	report := &core.ValidationReport{
		RulesPassed: []string{},
		RulesFailed: []string{},
		Confidence:  core.ConfidenceHigh,
	}

	trailer, parseErr := ParseOutput(result.RawOutput)
	if parseErr != "" {
		report.Valid = false
		report.Reason = string(parseErr)
		report.RulesFailed = append(report.RulesFailed, "output_parser")
		report.Confidence = core.ConfidenceLow
		return report, nil
	}
	report.RulesPassed = append(report.RulesPassed, "output_parser")

	if ok, missing := v.checkRequiredArtifacts(task, workingDirectory); !ok {
		report.Valid = false
		report.Reason = "missing required artifacts"
		report.FailedCriteria = missing
		report.RulesFailed = append(report.RulesFailed, "required_artifacts")
		report.Confidence = core.ConfidenceLow
		return report, nil
	}
	report.RulesPassed = append(report.RulesPassed, "required_artifacts")

	overall := core.ConfidenceHigh
	var failedCriteria, uncertainCriteria []string
	for _, criterion := range task.AcceptanceCriteria {
		quality, err := v.matchCriterion(ctx, projectID, criterion, trailer, workingDirectory)
		if err != nil {
			return nil, err
		}
		conf := confidenceFromMatchQuality(quality)
		overall = minConfidence(overall, conf)
		if quality == core.MatchNone {
			failedCriteria = append(failedCriteria, criterion)
		} else if quality == core.MatchLow {
			uncertainCriteria = append(uncertainCriteria, criterion)
		}
	}
	if len(failedCriteria) > 0 {
		report.Valid = false
		report.Reason = "acceptance criteria not satisfied"
		report.FailedCriteria = failedCriteria
		report.UncertainCriteria = uncertainCriteria
		report.RulesFailed = append(report.RulesFailed, "acceptance_criteria")
		report.Confidence = overall
		return report, nil
	}
	report.RulesPassed = append(report.RulesPassed, "acceptance_criteria")
	report.UncertainCriteria = uncertainCriteria

	if task.TestsRequired && task.TestCommand != "" {
		if err := runTestCommand(ctx, task.TestCommand, workingDirectory); err != nil {
			report.Valid = false
			report.Reason = "test command failed: " + err.Error()
			report.RulesFailed = append(report.RulesFailed, "test_command")
			report.Confidence = core.ConfidenceLow
			return report, nil
		}
		report.RulesPassed = append(report.RulesPassed, "test_command")
	}

	if len(task.ExpectedJSONSchema) > 0 {
		if err := validateJSONSchema(task.ExpectedJSONSchema, result.RawOutput); err != nil {
			report.Valid = false
			report.Reason = "schema validation failed: " + err.Error()
			report.RulesFailed = append(report.RulesFailed, "json_schema")
			report.Confidence = core.ConfidenceLow
			return report, nil
		}
		report.RulesPassed = append(report.RulesPassed, "json_schema")
	}

	report.Valid = true
	report.Confidence = overall
	return report, nil
}

func (v *Validator) checkRequiredArtifacts(task *core.Task, workingDirectory string) (bool, []string) {
	var missing []string
	for _, artifact := range task.RequiredArtifacts {
		if !pathWithinSandbox(artifact, workingDirectory) {
			missing = append(missing, artifact)
			continue
		}
		full := filepath.Join(workingDirectory, artifact)
		if _, err := os.Stat(full); err != nil {
			missing = append(missing, artifact)
		}
	}
	return len(missing) == 0, missing
}

func pathWithinSandbox(p, root string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") || strings.Contains(p, "..") {
		return false
	}
	full := filepath.Join(root, p)
	rel, err := filepath.Rel(root, full)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// matchCriterion ranks how well one criterion is satisfied: AST-confirmed
// structural presence is EXACT; a substring match in the summary or a
// change is HIGH; otherwise keyword overlap with the summary gives
// MEDIUM, LOW or NONE. Results are cached by project, criterion and the
// contents of the reported files.
func (v *Validator) matchCriterion(ctx context.Context, projectID, criterion string, trailer *ParsedTrailer, workingDirectory string) (core.MatchQuality, error) {
	files := append(append([]string{}, trailer.FilesCreated...), trailer.FilesUpdated...)
	contents := readFileContents(files, workingDirectory)

	cacheKey := Key(projectID, criterion, contents)
	if v.cache != nil {
		if cached, found := v.cache.Get(cacheKey); found {
			return cached.MatchQuality, nil
		}
	}

	quality := v.computeMatchQuality(criterion, trailer, files, workingDirectory)

	if v.cache != nil {
		v.cache.Set(cacheKey, CachedValidation{
			Satisfied:    quality != core.MatchNone,
			MatchQuality: quality,
		})
	}
	return quality, nil
}

func (v *Validator) computeMatchQuality(criterion string, trailer *ParsedTrailer, files []string, workingDirectory string) core.MatchQuality {
	for _, file := range files {
		adapter := v.adapters.For(file)
		if adapter == nil {
			continue
		}
		full := filepath.Join(workingDirectory, file)
		if astConfirmsCriterion(adapter, full, criterion) {
			return core.MatchExact
		}
	}

	lowerCriterion := strings.ToLower(criterion)
	if strings.Contains(strings.ToLower(trailer.Summary), lowerCriterion) {
		return core.MatchHigh
	}
	for _, change := range trailer.Changes {
		if strings.Contains(strings.ToLower(change), lowerCriterion) {
			return core.MatchHigh
		}
	}

	keywords := strings.Fields(lowerCriterion)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(strings.ToLower(trailer.Summary), kw) {
			matched++
		}
	}
	if len(keywords) > 0 && matched >= (len(keywords)+1)/2 {
		return core.MatchMedium
	}
	if matched > 0 {
		return core.MatchLow
	}
	return core.MatchNone
}

// astConfirmsCriterion does a best-effort keyword extraction from the
// criterion text (a quoted identifier only) and checks whether the
// adapter confirms it as a function, export, or class name. This is deliberately simple: the AST
// adapter's job is to confirm STRUCTURAL presence, not to parse natural
// language criteria into a formal query.
func astConfirmsCriterion(adapter ASTAdapter, file, criterion string) bool {
	name := extractIdentifier(criterion)
	if name == "" {
		return false
	}
	if ok, _ := adapter.HasFunction(file, name); ok {
		return true
	}
	if ok, _ := adapter.HasExport(file, name); ok {
		return true
	}
	if ok, _ := adapter.HasClass(file, name); ok {
		return true
	}
	return false
}

var quotedIdentifier = regexp.MustCompile("`([A-Za-z_][A-Za-z0-9_]*)`|\"([A-Za-z_][A-Za-z0-9_]*)\"")

func extractIdentifier(criterion string) string {
	if m := quotedIdentifier.FindStringSubmatch(criterion); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	return ""
}

func readFileContents(files []string, workingDirectory string) []string {
	contents := make([]string, 0, len(files))
	for _, f := range files {
		if !pathWithinSandbox(f, workingDirectory) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(workingDirectory, f))
		if err != nil {
			continue
		}
		contents = append(contents, string(data))
	}
	return contents
}

func confidenceFromMatchQuality(q core.MatchQuality) core.Confidence {
	switch q {
	case core.MatchExact, core.MatchHigh:
		return core.ConfidenceHigh
	case core.MatchMedium:
		return core.ConfidenceMedium
	case core.MatchLow:
		return core.ConfidenceUncertain
	default:
		return core.ConfidenceLow
	}
}

func minConfidence(a, b core.Confidence) core.Confidence {
	rank := map[core.Confidence]int{
		core.ConfidenceHigh:      3,
		core.ConfidenceMedium:    2,
		core.ConfidenceUncertain: 1,
		core.ConfidenceLow:       0,
	}
	if rank[a] <= rank[b] {
		return a
	}
	return b
}

func runTestCommand(ctx context.Context, command, workingDirectory string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDirectory
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	return cmd.Run()
}

func validateJSONSchema(schema json.RawMessage, instance string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task_schema.json", bytes.NewReader(schema)); err != nil {
		return err
	}
	sch, err := compiler.Compile("task_schema.json")
	if err != nil {
		return err
	}
	var v interface{}
	trailer, parseErr := ParseOutput(instance)
	if parseErr != "" {
		return fmt.Errorf("cannot validate schema: %s", parseErr)
	}
	data, err := json.Marshal(trailer)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
