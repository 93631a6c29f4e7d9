package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestSplitCornerCases(t *testing.T) {
	buf := []byte{9, 8, 7, 4, 2, 0, 0, 0, 2, 4, 0xA, 0xF}

	prefix, suffix, ok := Split(buf, []byte{0, 0, 0})
	if !ok {
		t.Fatal("expected match")
	}
	if !bytes.Equal(prefix, []byte{9, 8, 7, 4, 2}) {
		t.Errorf("prefix = %v", prefix)
	}
	if !bytes.Equal(suffix, []byte{2, 4, 0xA, 0xF}) {
		t.Errorf("suffix = %v", suffix)
	}

	if _, _, ok := Split(buf, []byte{0, 1}); ok {
		t.Error("expected no match for sep [0,1]")
	}

	buf2 := []byte{0, 0, 9, 8, 7, 4, 2}
	prefix2, suffix2, ok2 := Split(buf2, []byte{0, 0})
	if !ok2 {
		t.Fatal("expected match")
	}
	if len(prefix2) != 0 {
		t.Errorf("prefix2 = %v, want empty", prefix2)
	}
	if !bytes.Equal(suffix2, []byte{9, 8, 7, 4, 2}) {
		t.Errorf("suffix2 = %v", suffix2)
	}
}

func TestSplitAbsent(t *testing.T) {
	if _, _, ok := Split([]byte("hello"), []byte{0}); ok {
		t.Error("expected no match")
	}
	if _, _, ok := Split(nil, []byte{0}); ok {
		t.Error("expected no match on empty buf")
	}
	if _, _, ok := Split([]byte("hello"), nil); ok {
		t.Error("expected no match on empty sep")
	}
}

func TestHashVectors(t *testing.T) {
	if got := HashSHA1(nil); got != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Errorf("sha1(\"\") = %s", got)
	}
	if got := HashSHA512(nil); got != "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3" {
		t.Errorf("sha512(\"\") = %s", got)
	}
}

func TestBuildAuthByteVector(t *testing.T) {
	got := BuildAuth([]byte("123"), []uint16{3000, 4000, 5000}, []byte{0})
	want := []byte{
		0x41, 0x55, 0x54, 0x48, 0x20, 0x33, 0x30, 0x30, 0x30, 0x2C, 0x34, 0x30,
		0x30, 0x30, 0x2C, 0x35, 0x30, 0x30, 0x30, 0x00, 0x31, 0x32, 0x33,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("BuildAuth = % X, want % X", got, want)
	}
}

func TestRoundTripClientFrames(t *testing.T) {
	sep := []byte{0}
	id := uuid.New()

	t.Run("data", func(t *testing.T) {
		body := []byte("hello, world!")
		raw := BuildClientData(id, sep, body)
		f, err := ParseServerFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindData {
			t.Fatalf("kind = %v", f.Kind)
		}
		if f.Data.ID != id || !bytes.Equal(f.Data.Body, body) {
			t.Errorf("data mismatch: %+v", f.Data)
		}
		if f.Data.SHA1 != HashSHA1(body) || f.Data.SHA512 != HashSHA512(body) {
			t.Errorf("hash mismatch: %+v", f.Data)
		}
	})

	t.Run("close", func(t *testing.T) {
		raw := BuildClose(id, sep)
		f, err := ParseServerFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindClose || f.Close.ID != id {
			t.Errorf("close mismatch: %+v", f)
		}
	})

	t.Run("auth", func(t *testing.T) {
		raw := BuildAuth([]byte("s3cr3t"), []uint16{80, 443}, sep)
		f, err := ParseServerFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindAuth {
			t.Fatalf("kind = %v", f.Kind)
		}
		if string(f.Auth.Secret) != "s3cr3t" {
			t.Errorf("secret = %q", f.Auth.Secret)
		}
		if len(f.Auth.Ports) != 2 || f.Auth.Ports[0] != 80 || f.Auth.Ports[1] != 443 {
			t.Errorf("ports = %v", f.Auth.Ports)
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		raw := BuildHeartbeat([]byte("nonce-bytes"), sep)
		f, err := ParseServerFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindHeartbeat || string(f.Heartbeat.Nonce) != "nonce-bytes" {
			t.Errorf("heartbeat mismatch: %+v", f)
		}
	})

	t.Run("authtry rejected by server parser", func(t *testing.T) {
		raw := BuildAuthTry(true, sep)
		if _, err := ParseServerFrame(raw, sep); err == nil {
			t.Error("expected error parsing AUTHTRY as a server frame")
		}
	})
}

func TestRoundTripServerFrames(t *testing.T) {
	sep := []byte{0}
	id := uuid.New()

	t.Run("data with port", func(t *testing.T) {
		body := []byte("response payload")
		raw := BuildServerData(id, 8000, sep, body)
		f, err := ParseClientFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindData || f.Data.Port != 8000 || f.Data.ID != id || !bytes.Equal(f.Data.Body, body) {
			t.Errorf("data mismatch: %+v", f.Data)
		}
	})

	t.Run("authtry success", func(t *testing.T) {
		raw := BuildAuthTry(true, sep)
		f, err := ParseClientFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindAuthTry || !f.AuthTry.Success {
			t.Errorf("authtry mismatch: %+v", f.AuthTry)
		}
	})

	t.Run("authtry forbidden", func(t *testing.T) {
		raw := BuildAuthTry(false, sep)
		f, err := ParseClientFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.AuthTry.Success {
			t.Errorf("expected forbidden, got success")
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		raw := BuildHeartbeat([]byte("n"), sep)
		f, err := ParseClientFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindHeartbeat || string(f.Heartbeat.Nonce) != "n" {
			t.Errorf("heartbeat mismatch: %+v", f)
		}
	})

	t.Run("close", func(t *testing.T) {
		raw := BuildClose(id, sep)
		f, err := ParseClientFrame(raw, sep)
		if err != nil {
			t.Fatal(err)
		}
		if f.Kind != KindClose || f.Close.ID != id {
			t.Errorf("close mismatch: %+v", f)
		}
	})

	t.Run("auth rejected by client parser", func(t *testing.T) {
		raw := BuildAuth([]byte("x"), []uint16{1}, sep)
		if _, err := ParseClientFrame(raw, sep); err == nil {
			t.Error("expected error parsing AUTH as a client frame")
		}
	})
}

func TestParseErrors(t *testing.T) {
	sep := []byte{0}

	if _, err := ParseServerFrame([]byte("no separator here"), sep); err == nil {
		t.Error("expected HeaderMissing")
	} else if pe, ok := err.(*ParseError); !ok || pe.Kind != HeaderMissing {
		t.Errorf("err = %v", err)
	}

	if _, err := ParseServerFrame(append([]byte("BOGUS"), sep...), sep); err == nil {
		t.Error("expected BadAction")
	} else if pe, ok := err.(*ParseError); !ok || pe.Kind != BadAction {
		t.Errorf("err = %v", err)
	}

	if _, err := ParseServerFrame(append([]byte("CLOSE not-a-uuid"), sep...), sep); err == nil {
		t.Error("expected BadId")
	} else if pe, ok := err.(*ParseError); !ok || pe.Kind != BadId {
		t.Errorf("err = %v", err)
	}

	if _, err := ParseServerFrame(append([]byte("AUTH 80,abc"), sep...), sep); err == nil {
		t.Error("expected BadPorts")
	} else if pe, ok := err.(*ParseError); !ok || pe.Kind != BadPorts {
		t.Errorf("err = %v", err)
	}

	id := uuid.New()
	if _, err := ParseClientFrame(append([]byte("DATA "+id.String()+" notaport abc def"), sep...), sep); err == nil {
		t.Error("expected BadPort")
	} else if pe, ok := err.(*ParseError); !ok || pe.Kind != BadPort {
		t.Errorf("err = %v", err)
	}
}
