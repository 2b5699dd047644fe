package kernel

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/manthysbr/scribed/internal/core/domain"
)

// jobRequest is the body of POST /transcribe and POST /summarize. Prompt and
// Context only apply to summarize jobs.
type jobRequest struct {
	URL      string   `json:"url" validate:"required,max=2048"`
	Model    string   `json:"model" validate:"omitempty,max=64"`
	Sections []string `json:"sections" validate:"omitempty,max=50,dive,section"`
	Prompt   string   `json:"prompt"`
	Context  string   `json:"context"`
}

func (r jobRequest) params(kind domain.JobKind) domain.JobParams {
	p := domain.JobParams{
		Kind:     kind,
		URL:      strings.TrimSpace(r.URL),
		Model:    r.Model,
		Sections: r.Sections,
	}
	if kind == domain.JobKindSummarize {
		p.Prompt = r.Prompt
		p.Context = r.Context
	}
	return p
}

type submitResponse struct {
	JobID domain.JobID    `json:"job_id"`
	State domain.JobState `json:"state"`
}

type killAllResponse struct {
	Status string         `json:"status"`
	Killed []domain.JobID `json:"killed"`
	Count  int            `json:"count"`
}

type logsResponse struct {
	JobID domain.JobID `json:"job_id"`
	Lines int          `json:"lines"`
	Logs  []string     `json:"logs"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("section", func(fl validator.FieldLevel) bool {
		_, _, err := domain.ParseSection(fl.Field().String())
		return err == nil
	})
	return v
}

// validationProblem renders validator errors as one readable line.
func validationProblem(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "section":
			msgs = append(msgs, fmt.Sprintf("%s: invalid section %q, expected start-end like 1:30-5:00", fe.Field(), fe.Value()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
