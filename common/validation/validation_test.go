package validation

import (
	"errors"
	"testing"
)

type sample struct {
	SessionID string  `json:"session_id" validate:"required,min=1,max=4"`
	Source    string  `json:"source" validate:"required,oneof=web mobile"`
	Quantity  int     `json:"quantity" validate:"gte=1,lte=10"`
	Note      *string `json:"note,omitempty" validate:"omitempty,max=3"`
}

func TestStruct_Valid(t *testing.T) {
	if err := Struct(&sample{SessionID: "s1", Source: "web", Quantity: 1}); err != nil {
		t.Fatalf("Struct() error = %v", err)
	}
}

func TestStruct_Issues(t *testing.T) {
	long := "toolong"
	err := Struct(&sample{SessionID: "", Source: "tv", Quantity: 11, Note: &long})

	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("Struct() error = %T, want *Error", err)
	}
	got := map[string]string{}
	for _, is := range verr.Issues {
		if len(is.Loc) != 1 {
			t.Fatalf("loc = %v, want one element", is.Loc)
		}
		got[is.Loc[0]] = is.Type
	}

	want := map[string]string{"session_id": "required", "source": "oneof", "quantity": "lte", "note": "max"}
	for field, tag := range want {
		if got[field] != tag {
			t.Errorf("%s: tag = %q, want %q", field, got[field], tag)
		}
	}
}

func TestError_Message(t *testing.T) {
	err := Field("event_timestamp", "value_error", "must include a timezone offset")
	if err.Error() != "event_timestamp: must include a timezone offset" {
		t.Errorf("Error() = %q", err.Error())
	}
}

type Inner struct {
	ID string `json:"id" validate:"required"`
}

type outer struct {
	Inner
	Name string `json:"name" validate:"required"`
}

func TestStruct_EmbeddedLoc(t *testing.T) {
	RegisterEmbedded("Inner")
	err := Struct(&outer{})

	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("Struct() error = %T, want *Error", err)
	}
	for _, is := range verr.Issues {
		if len(is.Loc) != 1 {
			t.Errorf("loc = %v, want one element", is.Loc)
		}
	}
}
