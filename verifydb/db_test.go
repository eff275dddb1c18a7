package verifydb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailverify/verify"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	test := func(address, expAddress, expDomain string) {
		t.Helper()
		a, d := NormalizeAddress(address)
		if a != expAddress || d != expDomain {
			t.Fatalf("normalize %q: got %q %q, expected %q %q", address, a, d, expAddress, expDomain)
		}
	}

	test("User@Example.COM", "User@example.com", "example.com")
	test(" user@example.com\n", "user@example.com", "example.com")
	test("user@bücher.example", "user@xn--bcher-kva.example", "xn--bcher-kva.example")
	test("e\u0301@example.com", "\u00e9@example.com", "example.com")
	test("nodomain", "nodomain", "")
	test("user@example.com.", "user@example.com.", "")
}

func TestDB(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(ctxbg, nil, dir)
	tcheck(t, err, "open")
	defer func() {
		if db != nil {
			db.Close()
		}
	}()

	r1, err := db.Add(ctxbg, "User@Example.com", "abc@qq.com", verify.Result{Valid: true, Host: "mx1.example.com.", Code: 250, Line: "2.1.5 ok", Duration: time.Second})
	tcheck(t, err, "add")
	if r1.ID == 0 || r1.Recipient != "User@example.com" || r1.Domain != "example.com" || r1.Time.IsZero() {
		t.Fatalf("bad record %#v", r1)
	}

	_, err = db.Add(ctxbg, "other@example.org", "", verify.Result{Failure: verify.FailureResolution, Err: verify.ErrNoMX})
	tcheck(t, err, "add")
	r3, err := db.Add(ctxbg, "user@example.com", "", verify.Result{Failure: verify.FailureRejected, Code: 550, Line: "5.1.1 no such user"})
	tcheck(t, err, "add")

	l, err := db.List(ctxbg, "", 0)
	tcheck(t, err, "list")
	if len(l) != 3 || l[0].ID != r3.ID || l[2].ID != r1.ID {
		t.Fatalf("list, got %v", l)
	}
	if l[1].Error != verify.ErrNoMX.Error() || l[1].Failure != "resolution" {
		t.Fatalf("error not stored, %#v", l[1])
	}

	// Recipient is normalized before filtering. Local part is case-sensitive.
	l, err = db.List(ctxbg, "User@EXAMPLE.com", 0)
	tcheck(t, err, "list recipient")
	if len(l) != 1 || l[0].ID != r1.ID || !l[0].Valid || l[0].Duration != time.Second {
		t.Fatalf("list recipient, got %v", l)
	}

	l, err = db.List(ctxbg, "", 1)
	tcheck(t, err, "list limit")
	if len(l) != 1 || l[0].ID != r3.ID {
		t.Fatalf("list limit, got %v", l)
	}

	_, err = db.List(ctxbg, "", -1)
	if !errors.Is(err, ErrLimit) {
		t.Fatalf("got err %v, expected ErrLimit", err)
	}

	r, err := db.Get(ctxbg, r3.ID)
	tcheck(t, err, "get")
	if r.Code != 550 || r.Failure != "rejected" {
		t.Fatalf("get, got %#v", r)
	}
	_, err = db.Get(ctxbg, 999)
	if !errors.Is(err, bstore.ErrAbsent) {
		t.Fatalf("get absent, got err %v", err)
	}

	// Records survive reopening.
	err = db.Close()
	tcheck(t, err, "close")
	db, err = Open(ctxbg, nil, dir)
	tcheck(t, err, "reopen")
	l, err = db.List(ctxbg, "", 0)
	tcheck(t, err, "list after reopen")
	if len(l) != 3 {
		t.Fatalf("got %d records after reopen, expected 3", len(l))
	}
}
