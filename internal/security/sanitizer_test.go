package security

import (
	"strings"
	"testing"
)

// TestCommentSanitizer_AllowedTags は許可タグが正しく通過することを検証する。
func TestCommentSanitizer_AllowedTags(t *testing.T) {
	sanitizer := NewCommentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{
			name:         "pタグが許可される",
			input:        "<p>テスト段落</p>",
			wantContains: []string{"<p>テスト段落</p>"},
		},
		{
			name:         "brタグが許可される",
			input:        "行1<br>行2",
			wantContains: []string{"<br>", "行1", "行2"},
		},
		{
			name:         "ulタグとliタグが許可される",
			input:        "<ul><li>項目1</li><li>項目2</li></ul>",
			wantContains: []string{"<ul>", "<li>", "項目1", "</ul>"},
		},
		{
			name:         "preタグとcodeタグが許可される",
			input:        "<pre><code>SELECT 1</code></pre>",
			wantContains: []string{"<pre>", "<code>", "SELECT 1"},
		},
		{
			name:         "strongとemが許可される",
			input:        "<strong>太字</strong><em>強調</em>",
			wantContains: []string{"<strong>太字</strong>", "<em>強調</em>"},
		},
		{
			name:         "mailtoリンクが許可される",
			input:        `<a href="mailto:owner@example.com">連絡</a>`,
			wantContains: []string{"mailto:owner@example.com", "連絡"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestCommentSanitizer_ForbiddenContent は禁止要素が除去されることを検証する。
func TestCommentSanitizer_ForbiddenContent(t *testing.T) {
	sanitizer := NewCommentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantAbsent   []string
		wantContains []string
	}{
		{
			name:         "scriptタグが除去される",
			input:        `<p>テスト</p><script>alert('xss')</script>`,
			wantAbsent:   []string{"<script", "alert"},
			wantContains: []string{"テスト"},
		},
		{
			name:         "iframeタグが除去される",
			input:        `<p>テスト</p><iframe src="https://evil.com"></iframe>`,
			wantAbsent:   []string{"<iframe", "evil.com"},
			wantContains: []string{"テスト"},
		},
		{
			name:       "imgタグは許可されない",
			input:      `<img src="https://example.com/a.png" alt="画像">`,
			wantAbsent: []string{"<img", "a.png"},
		},
		{
			name:       "onclick属性が除去される",
			input:      `<p onclick="alert('xss')">テスト</p>`,
			wantAbsent: []string{"onclick", "alert"},
		},
		{
			name:       "javascript URIが除去される",
			input:      `<a href="javascript:alert('xss')">クリック</a>`,
			wantAbsent: []string{"javascript:"},
		},
		{
			name:       "相対URLは許可されない",
			input:      `<a href="/admin">管理</a>`,
			wantAbsent: []string{"/admin"},
		},
		{
			name:       "style属性が除去される",
			input:      `<p style="background:url(javascript:alert(1))">テスト</p>`,
			wantAbsent: []string{"style=", "javascript:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(strings.ToLower(got), strings.ToLower(absent)) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestCommentSanitizer_AnchorAttributes はaタグにtarget/relが自動付与されることを検証する。
func TestCommentSanitizer_AnchorAttributes(t *testing.T) {
	sanitizer := NewCommentSanitizer()

	got := sanitizer.Sanitize(`<a href="https://example.com" target="_self">リンク</a>`)
	for _, want := range []string{`target="_blank"`, "nofollow", "noopener", "noreferrer"} {
		if !strings.Contains(got, want) {
			t.Errorf("Sanitize() = %q, expected to contain %q", got, want)
		}
	}
	if strings.Contains(got, `target="_self"`) {
		t.Errorf("Sanitize() = %q, should NOT contain target=\"_self\"", got)
	}
}

// TestCommentSanitizer_PlainAndEmpty はプレーンテキストと空文字列の扱いを検証する。
func TestCommentSanitizer_PlainAndEmpty(t *testing.T) {
	sanitizer := NewCommentSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, expected empty string", got)
	}
	input := "来週のリリースについて確認お願いします。"
	if got := sanitizer.Sanitize(input); got != input {
		t.Errorf("Sanitize(%q) = %q, expected unchanged", input, got)
	}
}

// TestCommentSanitizer_Idempotent は二重サニタイズで結果が変わらないことを検証する。
func TestCommentSanitizer_Idempotent(t *testing.T) {
	sanitizer := NewCommentSanitizer()

	input := `<p>テスト<strong>太字</strong></p><a href="https://example.com">リンク</a><script>x()</script>`
	first := sanitizer.Sanitize(input)
	if second := sanitizer.Sanitize(first); first != second {
		t.Errorf("二重サニタイズで結果が変わった: 1回目=%q, 二重=%q", first, second)
	}
}

// TestPlainTextSanitizer は全てのタグが除去されることを検証する。
func TestPlainTextSanitizer(t *testing.T) {
	sanitizer := NewPlainTextSanitizer()

	got := sanitizer.Sanitize(`<b>田中</b>さんが<a href="https://example.com">コメント</a>しました`)
	if got != "田中さんがコメントしました" {
		t.Errorf("Sanitize() = %q", got)
	}
}
