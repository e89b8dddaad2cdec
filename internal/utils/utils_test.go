package utils

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectInputOperations(t *testing.T) {
	tests := []struct {
		name  string
		lang  models.Language
		code  string
		lines []int
	}{
		{
			name:  "c scanf",
			lang:  models.LanguageC,
			code:  "#include <stdio.h>\nint main() {\n  int n;\n  scanf(\"%d\", &n);\n}",
			lines: []int{4},
		},
		{
			name:  "cpp cin and getline",
			lang:  models.LanguageCPP,
			code:  "int main() {\n  std::cin >> n;\n  std::getline(std::cin, s);\n}",
			lines: []int{2, 3},
		},
		{
			name:  "java scanner",
			lang:  models.LanguageJava,
			code:  "class Main {\n  public static void main(String[] a) {\n    Scanner sc = new Scanner(System.in);\n  }\n}",
			lines: []int{3},
		},
		{
			name:  "python input",
			lang:  models.LanguagePython,
			code:  "name = input('Name: ')\nprint(name)",
			lines: []int{1},
		},
		{
			name:  "javascript readline",
			lang:  models.LanguageJavaScript,
			code:  "const rl = require('readline');\nconsole.log(1)",
			lines: []int{1},
		},
		{
			name: "no input",
			lang: models.LanguagePython,
			code: "print('hi')",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := DetectInputOperations(tt.lang, tt.code)
			var lines []int
			for _, op := range ops {
				lines = append(lines, op.Line)
			}
			assert.Equal(t, tt.lines, lines)
		})
	}
}

func TestIsWaitingForInput(t *testing.T) {
	ops := []models.InputOperation{{Line: 1, Call: "input("}}

	assert.True(t, IsWaitingForInput("Enter a number: ", ops))
	assert.True(t, IsWaitingForInput("Continue?\n", ops))
	assert.True(t, IsWaitingForInput("partial", ops))
	assert.False(t, IsWaitingForInput("result 42\n", ops))
	assert.False(t, IsWaitingForInput("Enter a number: ", nil))
	assert.False(t, IsWaitingForInput("", ops))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	require.NoError(t, CheckRateLimit(rl, "10.0.0.1"))
	require.NoError(t, CheckRateLimit(rl, "10.0.0.1"))
	assert.ErrorIs(t, CheckRateLimit(rl, "10.0.0.1"), ErrRateLimited)
	assert.NoError(t, CheckRateLimit(rl, "10.0.0.2"), "limits are per IP")

	rl.SetRate(1, 5)
	for i := 0; i < 5; i++ {
		assert.NoError(t, CheckRateLimit(rl, "10.0.0.3"))
	}
	assert.ErrorIs(t, CheckRateLimit(rl, "10.0.0.3"), ErrRateLimited)
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ExtractIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", ExtractIP(r))

	r.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", ExtractIP(r))
}

func TestValidateCode(t *testing.T) {
	assert.Error(t, ValidateCode("   ", 10))
	assert.Error(t, ValidateCode(strings.Repeat("x", 11), 10))
	assert.NoError(t, ValidateCode("print(1)", 10))
}
