package server

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxQueryLimit = 500

func addViolation(violations *[]*errdetails.BadRequest_FieldViolation, field, desc string) {
	*violations = append(*violations, &errdetails.BadRequest_FieldViolation{
		Field:       field,
		Description: desc,
	})
}

func returnIfViolations(violations []*errdetails.BadRequest_FieldViolation) error {
	if len(violations) == 0 {
		return nil
	}
	st := status.New(codes.InvalidArgument, "validation failed")
	br := &errdetails.BadRequest{FieldViolations: violations}
	stWithDetails, err := st.WithDetails(br)
	if err != nil {
		return st.Err()
	}
	return stWithDetails.Err()
}

// fields reads typed values out of a request, collecting a violation for
// every field of the wrong shape.
type fields struct {
	req        *structpb.Struct
	violations []*errdetails.BadRequest_FieldViolation
}

func newFields(req *structpb.Struct) *fields {
	if req == nil {
		req = &structpb.Struct{}
	}
	return &fields{req: req}
}

func (f *fields) value(name string) (*structpb.Value, bool) {
	v, ok := f.req.GetFields()[name]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func (f *fields) violate(name, desc string) {
	addViolation(&f.violations, name, desc)
}

func (f *fields) err() error {
	return returnIfViolations(f.violations)
}

func (f *fields) str(name string) string {
	v, ok := f.value(name)
	if !ok {
		return ""
	}
	s, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		f.violate(name, name+" must be a string")
		return ""
	}
	return s.StringValue
}

func (f *fields) boolean(name string, required bool) bool {
	v, ok := f.value(name)
	if !ok {
		if required {
			f.violate(name, name+" is required")
		}
		return false
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		f.violate(name, name+" must be a boolean")
		return false
	}
	return b.BoolValue
}

// integer reads a whole number. ok is false when the field is absent or
// invalid.
func (f *fields) integer(name string) (n int, ok bool) {
	v, present := f.value(name)
	if !present {
		return 0, false
	}
	num, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || num.NumberValue != math.Trunc(num.NumberValue) ||
		math.Abs(num.NumberValue) > math.MaxInt32 {
		f.violate(name, name+" must be an integer")
		return 0, false
	}
	return int(num.NumberValue), true
}

func (f *fields) positive(name string) int {
	n, ok := f.integer(name)
	if !ok {
		if _, present := f.value(name); !present {
			f.violate(name, name+" is required")
		}
		return 0
	}
	if n <= 0 {
		f.violate(name, name+" must be positive")
		return 0
	}
	return n
}

func (f *fields) nonNegative(name string) int {
	n, ok := f.integer(name)
	if ok && n < 0 {
		f.violate(name, name+" must not be negative")
		return 0
	}
	return n
}

func (f *fields) strings(name string) []string {
	v, ok := f.value(name)
	if !ok {
		return nil
	}
	list, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		f.violate(name, name+" must be a list of strings")
		return nil
	}
	out := make([]string, 0, len(list.ListValue.GetValues()))
	for i, item := range list.ListValue.GetValues() {
		s, isString := item.GetKind().(*structpb.Value_StringValue)
		if !isString {
			f.violate(fmt.Sprintf("%s[%d]", name, i), "must be a string")
			continue
		}
		out = append(out, s.StringValue)
	}
	return out
}

// environment reads an object of string values as KEY=VALUE pairs sorted
// by key.
func (f *fields) environment(name string) []string {
	v, ok := f.value(name)
	if !ok {
		return nil
	}
	obj, isObj := v.GetKind().(*structpb.Value_StructValue)
	if !isObj {
		f.violate(name, name+" must be an object of strings")
		return nil
	}
	keys := make([]string, 0, len(obj.StructValue.GetFields()))
	for k := range obj.StructValue.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		s, isString := obj.StructValue.GetFields()[k].GetKind().(*structpb.Value_StringValue)
		if !isString || k == "" {
			f.violate(name+"."+k, "must be a non-empty key with a string value")
			continue
		}
		env = append(env, k+"="+s.StringValue)
	}
	return env
}

type startRequest struct {
	program string
	args    []string
	cwd     string
	env     []string
	rows    int
	cols    int
}

func validateStartSession(req *structpb.Struct) (startRequest, error) {
	f := newFields(req)
	r := startRequest{
		program: f.str("program"),
		args:    f.strings("args"),
		cwd:     f.str("cwd"),
		env:     f.environment("env"),
		rows:    f.nonNegative("rows"),
		cols:    f.nonNegative("cols"),
	}
	return r, f.err()
}

func validateSessionID(req *structpb.Struct) (int, error) {
	f := newFields(req)
	id := f.positive("session_id")
	return id, f.err()
}

func validateSendText(req *structpb.Struct) (int, string, error) {
	f := newFields(req)
	id := f.positive("session_id")
	text := f.str("text")
	if text == "" {
		f.violate("text", "text is required")
	}
	return id, text, f.err()
}

func validateResize(req *structpb.Struct) (id, rows, cols int, err error) {
	f := newFields(req)
	id = f.positive("session_id")
	rows = f.positive("rows")
	cols = f.positive("cols")
	return id, rows, cols, f.err()
}

func validateSetTitle(req *structpb.Struct) (id, code int, text string, err error) {
	f := newFields(req)
	id = f.positive("session_id")
	code, ok := f.integer("code")
	if !ok {
		if _, present := f.value("code"); !present {
			f.violate("code", "code is required")
		}
	} else if code < 0 {
		f.violate("code", "code must not be negative")
	}
	text = f.str("text")
	return id, code, text, f.err()
}

func validateSetMasterStatus(req *structpb.Struct) (int, bool, error) {
	f := newFields(req)
	id := f.positive("session_id")
	master := f.boolean("master", true)
	return id, master, f.err()
}

func validateSetMasterMode(req *structpb.Struct) (bool, error) {
	f := newFields(req)
	copyInput := f.boolean("copy_input_to_all", true)
	return copyInput, f.err()
}

type queryRequest struct {
	sessionID int
	pattern   string
	limit     int
}

func validateQueryEvents(req *structpb.Struct) (queryRequest, error) {
	f := newFields(req)
	r := queryRequest{
		sessionID: f.nonNegative("session_id"),
		pattern:   f.str("pattern"),
		limit:     f.nonNegative("limit"),
	}
	if r.limit > maxQueryLimit {
		f.violate("limit", fmt.Sprintf("limit must be at most %d", maxQueryLimit))
	}
	return r, f.err()
}
