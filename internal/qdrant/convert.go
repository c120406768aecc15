package qdrant

import (
	"fmt"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// Payload values travel as string, int64, float64 or bool. Anything else
// is stored as its fmt representation.

func toPointStruct(p *Point) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = toValue(v)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}
}

func toValue(v interface{}) *qdrant.Value {
	switch x := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: x}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(x)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: x}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: x}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: x}}
	}
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprint(v)}}
}

func fromValue(v *qdrant.Value) interface{} {
	switch x := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return x.StringValue
	case *qdrant.Value_IntegerValue:
		return x.IntegerValue
	case *qdrant.Value_DoubleValue:
		return x.DoubleValue
	case *qdrant.Value_BoolValue:
		return x.BoolValue
	}
	return nil
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = fromValue(v)
	}
	return out
}

// pointID renders UUID and numeric IDs as strings. Chunk points always use
// UUIDs; numeric IDs only appear in collections written by other tools.
func pointID(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	if n := id.GetNum(); n != 0 {
		return strconv.FormatUint(n, 10)
	}
	return ""
}

func denseVector(v *qdrant.VectorsOutput) []float32 {
	return v.GetVector().GetDense().GetData()
}

func toFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	out := &qdrant.Filter{
		Must:    make([]*qdrant.Condition, 0, len(f.Must)),
		MustNot: make([]*qdrant.Condition, 0, len(f.MustNot)),
	}
	for _, c := range f.Must {
		out.Must = append(out.Must, toCondition(c))
	}
	for _, c := range f.MustNot {
		out.MustNot = append(out.MustNot, toCondition(c))
	}
	return out
}

func toCondition(c Condition) *qdrant.Condition {
	match := &qdrant.Match{}
	switch v := c.Match.(type) {
	case int64:
		match.MatchValue = &qdrant.Match_Integer{Integer: v}
	case int:
		match.MatchValue = &qdrant.Match_Integer{Integer: int64(v)}
	case string:
		match.MatchValue = &qdrant.Match_Keyword{Keyword: v}
	default:
		match.MatchValue = &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: c.Field, Match: match},
		},
	}
}
