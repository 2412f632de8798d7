package palapi

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// shape is one candidate request body form.
type shape struct {
	name        string
	body        []byte
	contentType string
	query       url.Values
	// empty sends no body with an explicit zero Content-Length.
	empty bool
}

var emptyShape = shape{name: "empty body", empty: true}

// candidate is one concrete request: a target base, an operation path and a shape.
type candidate struct {
	method string
	base   string
	path   string
	shape  shape
}

func (c candidate) route() string { return c.base + "/" + c.path }

func (c candidate) url() string {
	u := c.route()
	if len(c.shape.query) > 0 {
		u += "?" + c.shape.query.Encode()
	}
	return u
}

func (c candidate) label() string {
	l := c.method + " " + c.path
	if c.shape.name != "" {
		l += " [" + c.shape.name + "]"
	}
	if strings.HasSuffix(c.base, apiSuffix) {
		l += " via " + apiSuffix
	}
	return l
}

// targets returns the base URL as given, then with the API version suffix
// appended unless it is already there.
func targets(base string) []string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil
	}
	if strings.HasSuffix(base, apiSuffix) {
		return []string{base}
	}
	return []string{base, base + apiSuffix}
}

// getPlan lists GET candidates for path over every target.
func getPlan(bases []string, path string) []candidate {
	out := make([]candidate, 0, len(bases))
	for _, b := range bases {
		out = append(out, candidate{method: "GET", base: b, path: path})
	}
	return out
}

// postPlan lists POST candidates: targets outermost, then paths, then shapes.
// With finalEmpty every route ends with an explicit empty-body attempt.
func postPlan(bases, paths []string, shapes []shape, finalEmpty bool) []candidate {
	out := make([]candidate, 0, len(bases)*len(paths)*(len(shapes)+1))
	for _, b := range bases {
		for _, p := range paths {
			for _, s := range shapes {
				out = append(out, candidate{method: "POST", base: b, path: p, shape: s})
			}
			if finalEmpty {
				out = append(out, candidate{method: "POST", base: b, path: p, shape: emptyShape})
			}
		}
	}
	return out
}

// firstSuccess tries candidates in order and returns the first success.
// A 404/405 on a route skips the remaining shapes for that route. When every
// candidate fails the returned error is an *AttemptsError holding all failures.
func firstSuccess[T any](
	ctx context.Context,
	op string,
	cands []candidate,
	try func(context.Context, candidate) (T, int, error),
) (T, Report, error) {
	var zero T
	rep := Report{Op: op, Steps: make([]Step, 0, len(cands))}
	errs := make([]error, 0, len(cands))
	deadRoutes := map[string]bool{}

	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		step := Step{Candidate: cand.label(), URL: cand.url()}
		if deadRoutes[cand.route()] {
			step.Skipped = true
			rep.Steps = append(rep.Steps, step)
			continue
		}

		v, status, err := try(ctx, cand)
		step.Status = status
		if err == nil {
			step.OK = true
			rep.Steps = append(rep.Steps, step)
			rep.Accepted = step.Candidate
			return v, rep, nil
		}
		step.Err = err.Error()
		rep.Steps = append(rep.Steps, step)
		errs = append(errs, err)

		var pe *PeerError
		if errors.As(err, &pe) && pe.routeMissing() {
			deadRoutes[cand.route()] = true
		}
	}
	return zero, rep, &AttemptsError{Op: op, Errs: errs}
}
