package orders

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/orderflow/internal/shared"
)

// priceScale matches the NUMERIC(18, 2) price columns.
const priceScale = 2

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateSubmission runs every input check that needs no storage access. Duplicate
// inventory items turn the result into a DuplicateLineItem error.
func validateSubmission(v *validator.Validate, sub Submission) error {
	verr := &shared.ValidationError{}
	if err := v.Struct(sub); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			verr.Add(fieldName(fe), fieldMessage(fe))
		}
	}
	if sub.Kind != "" && !sub.Kind.Valid() {
		verr.Add("kind", fmt.Sprintf("unknown order kind %q", sub.Kind))
	}
	for i, item := range sub.Items {
		switch {
		case item.UnitPrice == nil:
		case item.UnitPrice.IsNegative():
			verr.Add(fmt.Sprintf("items[%d].unit_price", i), "must be greater than or equal to 0")
		case !item.UnitPrice.Equal(item.UnitPrice.Round(priceScale)):
			verr.Add(fmt.Sprintf("items[%d].unit_price", i), "must have at most 2 decimal places")
		}
	}
	seenLine := make(map[string]int, len(sub.Items))
	for i, item := range sub.Items {
		if item.ID == "" {
			continue
		}
		if j, ok := seenLine[item.ID]; ok {
			verr.Add(fmt.Sprintf("items[%d].id", i), fmt.Sprintf("repeats items[%d].id", j))
			continue
		}
		seenLine[item.ID] = i
	}
	ids := make([]string, len(sub.Items))
	for i, item := range sub.Items {
		ids[i] = item.InventoryItemID
	}
	if dup := duplicateItems(ids); dup != nil {
		dup.Fields = append(dup.Fields, verr.Fields...)
		return dup
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// duplicateItems reports inventory items referenced more than once.
func duplicateItems(inventoryIDs []string) *shared.ValidationError {
	seen := make(map[string]int, len(inventoryIDs))
	var dup *shared.ValidationError
	for i, id := range inventoryIDs {
		if id == "" {
			continue
		}
		if j, ok := seen[id]; ok {
			if dup == nil {
				dup = &shared.ValidationError{Cause: shared.ErrDuplicateLineItem}
			}
			dup.Add(fmt.Sprintf("items[%d].inventory_item_id", i), fmt.Sprintf("inventory item %s already used by items[%d]", id, j))
			continue
		}
		seen[id] = i
	}
	return dup
}

func lineInventoryIDs(items []LineItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.InventoryItemID
	}
	return ids
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return strings.TrimPrefix(ns, "header.")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "min":
		return "must contain at least " + fe.Param() + " entry"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}
