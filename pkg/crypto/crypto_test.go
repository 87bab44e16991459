package crypto

import "testing"

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("s3cret", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("s3cret", "") {
		t.Error("empty hash accepted")
	}
}

func TestGenerateRandomString(t *testing.T) {
	a, err := GenerateRandomString(32)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateRandomString(32)
	if a == b || len(a) != 44 {
		t.Errorf("a=%q b=%q", a, b)
	}
}
