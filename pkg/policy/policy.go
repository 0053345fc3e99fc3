// Package policy evaluates the optional Rego ingest policy that decides
// whether a document enters the knowledge base and which metadata it carries.
//
// Policies are written in package "ingest":
//
//	package ingest
//
//	default allow := true
//
//	allow := false if startswith(input.name, "draft_")
//
//	metadata := {"category": "investing"} if contains(input.content, "stock")
//
// An undefined allow rule admits the document.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m-mizutani/finctx/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const ingestQuery = "data.ingest"

// Input is the document view passed to the policy as input
type Input struct {
	Path     string            `json:"path"`
	Name     string            `json:"name"`
	Ext      string            `json:"ext"`
	Size     int               `json:"size"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Decision is the result of evaluating the ingest policy
type Decision struct {
	Allow    bool
	Reason   string
	Metadata map[string]string
}

type Policy struct {
	ingest *rego.PreparedEvalQuery
}

// printHook sends Rego print() output to the context logger
type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// New loads all .rego files in policyDir. An empty policyDir or a directory
// without policy files yields a Policy that admits everything.
func New(ctx context.Context, policyDir string) (*Policy, error) {
	if policyDir == "" {
		return &Policy{}, nil
	}

	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}
	if len(files) == 0 {
		logging.From(ctx).Warn("no policy file found", "dir", policyDir)
		return &Policy{}, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+2)
	options = append(options, rego.Query(ingestQuery), rego.EnablePrintStatements(true))
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

	logging.From(ctx).Info("ingest policy loaded", "dir", policyDir, "files", len(files))
	return &Policy{ingest: &prepared}, nil
}

// Evaluate runs the ingest policy on input
func (x *Policy) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	decision := &Decision{Allow: true, Metadata: map[string]string{}}
	if x == nil || x.ingest == nil {
		return decision, nil
	}

	rs, err := x.ingest.Eval(ctx,
		rego.EvalInput(input),
		rego.EvalPrintHook(&printHook{ctx: ctx}),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate ingest policy", goerr.V("path", input.Path))
	}

	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return decision, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid ingest policy result", goerr.V("value", rs[0].Expressions[0].Value))
	}

	if v, ok := data["allow"]; ok {
		allow, ok := v.(bool)
		if !ok {
			return nil, goerr.New("ingest.allow must be boolean", goerr.V("allow", v))
		}
		decision.Allow = allow
	}

	if v, ok := data["reason"].(string); ok {
		decision.Reason = v
	}

	if v, ok := data["metadata"]; ok {
		meta, ok := v.(map[string]any)
		if !ok {
			return nil, goerr.New("ingest.metadata must be an object", goerr.V("metadata", v))
		}
		for key, value := range meta {
			if s, ok := value.(string); ok {
				decision.Metadata[key] = s
			} else {
				decision.Metadata[key] = fmt.Sprint(value)
			}
		}
	}

	return decision, nil
}
