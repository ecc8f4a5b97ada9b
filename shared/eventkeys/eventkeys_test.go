package eventkeys

import "testing"

func TestKeywords_Has(t *testing.T) {
	kw := NotForwardable | DistributionRPC

	if !kw.Has(NotForwardable) {
		t.Error("expected NotForwardable bit set")
	}
	if !kw.Has(DistributionRPC) {
		t.Error("expected DistributionRPC bit set")
	}

	var none Keywords
	if none.Has(NotForwardable) {
		t.Error("zero value must not report any bit set")
	}
}
