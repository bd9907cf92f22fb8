package telephony

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"callId":"CA-1","status":"answered"}`)
	sig := Sign("secret", body)
	if !Verify("secret", body, sig) {
		t.Fatalf("valid signature rejected")
	}
	if Verify("secret", []byte(`tampered`), sig) {
		t.Fatalf("tampered body accepted")
	}
	if Verify("other", body, sig) {
		t.Fatalf("wrong secret accepted")
	}
	if Verify("secret", body, "") {
		t.Fatalf("empty signature accepted")
	}
}
