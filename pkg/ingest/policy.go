package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// regoPrintHook forwards Rego print() statements to the context logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Policy maps raw producer items into threat inputs. Rules live in package "ingest"; every
// element of the "threat" set becomes one ThreatInput, and an item matching no rule is dropped.
//
//	package ingest
//
//	threat contains {
//		"content": input.rule.description,
//		"severity": "HIGH",
//		"metadata": {"source": "guardduty"},
//	} if {
//		input.rule.level >= 7
//	}
type Policy struct {
	query *rego.PreparedEvalQuery
}

// LoadPolicy loads all Rego files from policyDir. It returns nil without error when the
// directory holds no policy.
func LoadPolicy(ctx context.Context, policyDir string) (*Policy, error) {
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}
	if len(files) == 0 {
		return nil, nil
	}
	sort.Strings(files)

	options := make([]func(*rego.Rego), 0, len(files)+2)
	options = append(options, rego.Query("data.ingest"), rego.EnablePrintStatements(true))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare ingest policy", goerr.V("dir", policyDir))
	}
	return &Policy{query: &prepared}, nil
}

// Map evaluates the policy against one raw item
func (p *Policy) Map(ctx context.Context, raw any) ([]model.ThreatInput, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(raw), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate ingest policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid ingest result: not an object")
	}
	threatData, ok := data["threat"]
	if !ok {
		return nil, nil
	}
	threats, ok := threatData.([]any)
	if !ok {
		return nil, goerr.New("invalid ingest result: threat is not a set")
	}

	inputs := make([]model.ThreatInput, 0, len(threats))
	for _, t := range threats {
		m, ok := t.(map[string]any)
		if !ok {
			return nil, goerr.New("invalid threat in ingest result", goerr.V("threat", t))
		}
		inputs = append(inputs, model.ThreatInput{
			ThreatID: model.ThreatID(getString(m, "threat_id")),
			Content:  getString(m, "content"),
			Severity: model.Severity(getString(m, "severity")),
			Metadata: getStringMap(m, "metadata"),
		})
	}
	return inputs, nil
}

func getString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func getStringMap(m map[string]any, key string) map[string]string {
	src, ok := m[key].(map[string]any)
	if !ok || len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k := range src {
		out[k] = getString(src, k)
	}
	return out
}
