package transform

import (
	"github.com/asaidimu/go-docstore/core"
)

// Update operator names accepted in {__op: ...} tokens.
const (
	OpDelete         = "Delete"
	OpIncrement      = "Increment"
	OpAdd            = "Add"
	OpAddUnique      = "AddUnique"
	OpRemove         = "Remove"
	OpBatch          = "Batch"
	OpAddRelation    = "AddRelation"
	OpRemoveRelation = "RemoveRelation"
)

// UpdateOp is a compiled native update instruction for one field, e.g.
// {Operator: "$inc", Arg: 3}.
type UpdateOp struct {
	Operator string
	Arg      any
}

// FlattenUpdateOp compiles a token for the creation path, where it becomes a
// plain value. ok is false when the field must be omitted (Delete).
func FlattenUpdateOp(token map[string]any) (any, bool, error) {
	op, _ := core.OpTag(token)
	switch op {
	case OpDelete:
		return nil, false, nil
	case OpIncrement:
		amount, err := incrementAmount(token)
		if err != nil {
			return nil, false, err
		}
		return amount, true, nil
	case OpAdd, OpAddUnique:
		objects, err := tokenObjects(token)
		if err != nil {
			return nil, false, err
		}
		return objects, true, nil
	case OpRemove:
		if _, err := tokenObjects(token); err != nil {
			return nil, false, err
		}
		return []any{}, true, nil
	default:
		return nil, false, unsupportedOp(op)
	}
}

// HashUpdateOp compiles a token for the update path.
func HashUpdateOp(token map[string]any) (UpdateOp, error) {
	op, _ := core.OpTag(token)
	switch op {
	case OpDelete:
		return UpdateOp{Operator: "$unset", Arg: ""}, nil
	case OpIncrement:
		amount, err := incrementAmount(token)
		if err != nil {
			return UpdateOp{}, err
		}
		return UpdateOp{Operator: "$inc", Arg: amount}, nil
	case OpAdd, OpAddUnique:
		objects, err := tokenObjects(token)
		if err != nil {
			return UpdateOp{}, err
		}
		operator := "$push"
		if op == OpAddUnique {
			operator = "$addToSet"
		}
		return UpdateOp{Operator: operator, Arg: map[string]any{"$each": objects}}, nil
	case OpRemove:
		objects, err := tokenObjects(token)
		if err != nil {
			return UpdateOp{}, err
		}
		return UpdateOp{Operator: "$pullAll", Arg: objects}, nil
	default:
		return UpdateOp{}, unsupportedOp(op)
	}
}

func incrementAmount(token map[string]any) (any, error) {
	amount := token["amount"]
	if !core.IsNumber(amount) {
		return nil, core.NewError(core.InvalidJSON, "incrementing must provide a number")
	}
	return amount, nil
}

func tokenObjects(token map[string]any) ([]any, error) {
	raw, ok := core.AsSlice(token["objects"])
	if !ok {
		return nil, core.NewError(core.InvalidJSON, "objects to add must be an array")
	}
	out := make([]any, len(raw))
	for i, item := range raw {
		conv, err := InteriorAtom(item)
		if err != nil {
			return nil, err
		}
		out[i] = conv
	}
	return out, nil
}

func unsupportedOp(op string) error {
	return core.NewError(core.CommandUnavailable, "The %s operator is not supported yet.", op)
}
