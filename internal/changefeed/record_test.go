package changefeed

import (
	"errors"
	"sort"
	"testing"
)

func TestDecodeRecord_Insert(t *testing.T) {
	value := []byte(`{
		"operationType": "insert",
		"documentKey": {"_id": "e1"},
		"fullDocument": {"_id": "e1", "studentId": "s1", "tutorId": "t1"}
	}`)

	rec, err := DecodeRecord("events", value)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if rec.Collection != "events" || rec.Operation != OpInsert || rec.Key != "e1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Fields != nil {
		t.Fatalf("insert should carry no changed fields, got %v", rec.Fields)
	}
	if len(rec.Document) == 0 {
		t.Fatal("expected fullDocument to be kept")
	}
}

func TestDecodeRecord_UpdateFields(t *testing.T) {
	value := []byte(`{
		"operationType": "update",
		"documentKey": {"_id": "u1"},
		"updateDescription": {
			"updatedFields": {"email": "a@b.c"},
			"removedFields": ["phone"]
		}
	}`)

	rec, err := DecodeRecord("users", value)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	got := append([]string(nil), rec.Fields...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "email" || got[1] != "phone" {
		t.Fatalf("expected changed fields [email phone], got %v", got)
	}
}

func TestDecodeRecord_ObjectIDKey(t *testing.T) {
	value := []byte(`{
		"operationType": "delete",
		"documentKey": {"_id": {"$oid": "64f0c2"}}
	}`)

	rec, err := DecodeRecord("roles", value)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if rec.Key != "64f0c2" {
		t.Fatalf("expected key 64f0c2, got %q", rec.Key)
	}
}

func TestDecodeRecord_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":           []byte(`{`),
		"unknown operation":  []byte(`{"operationType": "rename", "documentKey": {"_id": "x"}}`),
		"missing key":        []byte(`{"operationType": "insert"}`),
		"empty key":          []byte(`{"operationType": "insert", "documentKey": {"_id": ""}}`),
		"update no fields":   []byte(`{"operationType": "update", "documentKey": {"_id": "x"}}`),
		"update empty field": []byte(`{"operationType": "update", "documentKey": {"_id": "x"}, "updateDescription": {"updatedFields": {}}}`),
	}

	for name, value := range cases {
		if _, err := DecodeRecord("users", value); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}
