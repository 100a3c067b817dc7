package sqlutil

import "testing"

func TestRebind_SQLiteKeepsPlaceholders(t *testing.T) {
	// Given: a query with '?' placeholders
	q := "SELECT * FROM foo WHERE a = ? AND b = ?"

	// Then: sqlite leaves it untouched
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("expected unchanged query, got %q", got)
	}
}

func TestRebind_PostgresNumbersPlaceholders(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "two placeholders",
			in:   "SELECT * FROM foo WHERE a = ? AND b = ?",
			want: "SELECT * FROM foo WHERE a = $1 AND b = $2",
		},
		{
			name: "placeholder inside string literal ignored",
			in:   "SELECT '?' , a FROM foo WHERE b = ?",
			want: "SELECT '?' , a FROM foo WHERE b = $1",
		},
		{
			name: "no placeholders",
			in:   "SELECT 1",
			want: "SELECT 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Postgres.Rebind(tc.in); got != tc.want {
				t.Errorf("Rebind(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestILike(t *testing.T) {
	if got := Postgres.ILike(); got != "ILIKE" {
		t.Errorf("postgres ILike = %q", got)
	}
	if got := SQLite.ILike(); got != "LIKE" {
		t.Errorf("sqlite ILike = %q", got)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := SQLite.QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("QuoteIdent = %q", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, _, err := Open("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
