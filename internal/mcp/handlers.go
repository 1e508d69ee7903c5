package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/oracle"
)

// VerifyInput is the input schema for verify_command.
type VerifyInput struct {
	Command string `json:"command" jsonschema:"the command to translate and verify"`
	Dialect string `json:"dialect,omitempty" jsonschema:"source dialect: powershell (default) or posix"`
	ID      string `json:"id,omitempty" jsonschema:"optional command id; generated when empty"`

	ExpectStdout     *string `json:"expect_stdout,omitempty" jsonschema:"optional expected stdout of the translated command"`
	ExpectExitStatus *int    `json:"expect_exit_status,omitempty" jsonschema:"optional expected exit status of the translated command"`
}

// VerifyOutput is the output schema for verify_command.
type VerifyOutput struct {
	CommandID       string   `json:"command_id"`
	Pass            bool     `json:"pass"`
	RiskTier        string   `json:"risk_tier,omitempty"`
	AggregateScore  float64  `json:"aggregate_score"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	MitreTags       []string `json:"mitre_tags,omitempty"`
	Findings        []string `json:"findings,omitempty"`
	Candidate       string   `json:"candidate,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// ProfileInput is the input schema for profile_command.
type ProfileInput struct {
	Command string `json:"command" jsonschema:"the command to profile"`
	Dialect string `json:"dialect,omitempty" jsonschema:"source dialect: powershell (default) or posix"`
}

// ProfileOutput is the output schema for profile_command.
type ProfileOutput struct {
	Tier       string   `json:"tier"`
	Score      float64  `json:"score"`
	Signatures []string `json:"signatures,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
	Critical   bool     `json:"critical"`
	Error      string   `json:"error,omitempty"`
}

// HistoryInput is the input schema for verdict_history.
type HistoryInput struct {
	ID string `json:"id" jsonschema:"command id to look up"`
}

// HistoryOutput is the output schema for verdict_history.
type HistoryOutput struct {
	Verdicts []VerifyOutput `json:"verdicts,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (s *Server) handleVerify(ctx context.Context, _ *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	cmd, err := commandFrom(input.ID, input.Command, input.Dialect)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, VerifyOutput{CommandID: input.ID, Error: err.Error()}, nil
	}
	if input.ExpectStdout != nil || input.ExpectExitStatus != nil {
		cmd.Expect = &model.Expectation{Stdout: input.ExpectStdout, ExitStatus: input.ExpectExitStatus}
	}

	o := s.runner.Run(ctx, cmd)
	if s.rec != nil {
		if err := s.rec.Record(ctx, o); err != nil {
			s.log.Error(err, "record outcome", "id", cmd.ID)
		}
	}

	out := VerifyOutput{CommandID: cmd.ID}
	if o.Candidate != nil {
		out.Candidate = o.Candidate.Code
	}
	if o.Verdict == nil {
		out.Error = "verification failed"
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		if errors.Is(o.Err, oracle.ErrUnavailable) {
			out.Error = "oracle unavailable: " + out.Error
		}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	fillVerdict(&out, o.Verdict)
	return nil, out, nil
}

func (s *Server) handleProfile(_ context.Context, _ *mcpsdk.CallToolRequest, input ProfileInput) (*mcpsdk.CallToolResult, ProfileOutput, error) {
	cmd, err := commandFrom("profile", input.Command, input.Dialect)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ProfileOutput{Error: err.Error()}, nil
	}
	p := s.profiler.Profile(cmd)
	out := ProfileOutput{
		Tier:     p.Tier.String(),
		Score:    p.Score,
		Critical: p.Critical(),
	}
	for _, m := range p.Matches {
		out.Signatures = append(out.Signatures, m.SignatureID)
	}
	for _, param := range p.Parameters {
		label := string(param.Kind) + ":" + param.Value
		if param.Name != "" {
			label = string(param.Kind) + ":" + param.Name + "=" + param.Value
		}
		out.Parameters = append(out.Parameters, label)
	}
	return nil, out, nil
}

func (s *Server) handleHistory(ctx context.Context, _ *mcpsdk.CallToolRequest, input HistoryInput) (*mcpsdk.CallToolResult, HistoryOutput, error) {
	if strings.TrimSpace(input.ID) == "" {
		return &mcpsdk.CallToolResult{IsError: true}, HistoryOutput{Error: "id is required"}, nil
	}
	verdicts, err := s.store.History(ctx, input.ID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, HistoryOutput{Error: err.Error()}, nil
	}
	out := HistoryOutput{Verdicts: make([]VerifyOutput, 0, len(verdicts))}
	for i := range verdicts {
		var v VerifyOutput
		fillVerdict(&v, &verdicts[i])
		out.Verdicts = append(out.Verdicts, v)
	}
	return nil, out, nil
}

func fillVerdict(out *VerifyOutput, v *compliance.Verdict) {
	out.CommandID = v.CommandID
	out.Pass = v.Pass
	out.RiskTier = v.RiskTier.String()
	out.AggregateScore = v.AggregateScore
	out.RejectionReason = v.RejectionReason
	out.MitreTags = v.MitreTags
	for _, f := range v.Findings {
		out.Findings = append(out.Findings, f.String())
	}
}

func commandFrom(id, text, dialect string) (model.Command, error) {
	if strings.TrimSpace(text) == "" {
		return model.Command{}, fmt.Errorf("command is required")
	}
	d, err := model.ParseDialect(dialect)
	if err != nil {
		return model.Command{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	return model.Command{ID: id, Text: text, Dialect: d}, nil
}
