package fetch

import (
	"strings"
	"testing"
)

func TestIsSufficient(t *testing.T) {
	article := "<html><body><article><p>" + strings.Repeat("Plenty of readable server-rendered text here. ", 12) + "</p></article></body></html>"
	tests := []struct {
		name string
		doc  string
		want bool
	}{
		{"short", "<html></html>", false},
		{"server rendered", article, true},
		{"react shell", `<html><head><script>` + strings.Repeat("var a=1;", 100) + `</script></head><body><div id="root"></div></body></html>`, false},
		{"script heavy", "<html><body><p>hi</p><script>" + strings.Repeat("x", 5000) + "</script></body></html>", false},
		{"noscript notice", "<html><body><noscript>You need to enable JavaScript to run this app.</noscript>" + strings.Repeat("<div></div>", 40) + "</body></html>", false},
	}
	for _, tt := range tests {
		if got := IsSufficient([]byte(tt.doc)); got != tt.want {
			t.Errorf("%s: IsSufficient = %v, want %v", tt.name, got, tt.want)
		}
	}
}
