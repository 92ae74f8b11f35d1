package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEvalTable(t *testing.T) {
	t.Parallel()

	vars := Vars{
		"employees":     Number(250),
		"industry":      String("saas"),
		"hiring":        Bool(true),
		"company.stage": String("series_b"),
		"company.funds": Number(12.5),
	}
	cases := []struct {
		expr string
		want bool
	}{
		{`employees > 100`, true},
		{`employees >= 250 && employees <= 250`, true},
		{`employees < 100 || hiring`, true},
		{`!hiring`, false},
		{`industry == "saas"`, true},
		{`industry != "saas"`, false},
		{`company.stage == "series_b" && company.funds > 10`, true},
		{`(employees > 1000 || industry == "fintech") && hiring`, false},
		{`-company.funds < 0`, true},
		{`industry < "zzz"`, true},
		{`employees == "250"`, false},
		{`true`, true},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, got, tc.expr)
	}
}

func TestParseRejectsCodeExecution(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		`os.Exit(1)`,
		`len(industry) > 2`,
		`employees + 1 > 2`,
		`items[0] == 1`,
		`func() bool { return true }()`,
		`x.(string) == "a"`,
		`'a' == 'a'`,
		`&employees`,
		``,
	} {
		_, err := Parse(expr)
		require.Error(t, err, expr)
	}
}

func TestEvalErrors(t *testing.T) {
	t.Parallel()

	_, err := Evaluate(`missing > 1`, Vars{})
	require.ErrorIs(t, err, ErrUnknownVariable)

	_, err = Evaluate(`industry > 3`, Vars{"industry": String("saas")})
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Evaluate(`employees`, Vars{"employees": Number(3)})
	require.ErrorIs(t, err, ErrTypeMismatch)

	// Short-circuit skips the unknown variable on the right.
	ok, err := Evaluate(`false && missing`, Vars{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVariables(t *testing.T) {
	t.Parallel()

	e := MustParse(`b > 1 && a.x == "y" || b < 0`)
	require.Equal(t, []string{"a.x", "b"}, e.Variables())
	require.Equal(t, `b > 1 && a.x == "y" || b < 0`, e.String())
}

func TestValueEncoding(t *testing.T) {
	t.Parallel()

	vars := Vars{"n": Number(3), "s": String("x"), "b": Bool(true)}
	raw, err := json.Marshal(vars)
	require.NoError(t, err)

	var decoded Vars
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.True(t, decoded["n"].Equal(Number(3)))
	require.True(t, decoded["s"].Equal(String("x")))
	require.True(t, decoded["b"].Equal(Bool(true)))

	var fromYAML Vars
	require.NoError(t, yaml.Unmarshal([]byte("n: 4\nf: 1.5\ns: hello\nb: false\nq: \"12\"\n"), &fromYAML))
	require.True(t, fromYAML["n"].Equal(Number(4)))
	require.True(t, fromYAML["f"].Equal(Number(1.5)))
	require.True(t, fromYAML["s"].Equal(String("hello")))
	require.True(t, fromYAML["b"].Equal(Bool(false)))
	require.True(t, fromYAML["q"].Equal(String("12")))

	require.Error(t, json.Unmarshal([]byte(`{"x":[1]}`), &decoded))
}

func TestNilComparisons(t *testing.T) {
	t.Parallel()

	vars := Vars{
		"industry":      String("saas"),
		"company.stage": Null(),
	}
	cases := []struct {
		expr string
		want bool
	}{
		{`company.stage == nil`, true},
		{`nil == company.stage`, true},
		{`industry == nil`, false},
		{`industry != nil`, true},
		{`company.size == nil`, true},
		{`(company.size) != nil || industry == "saas"`, true},
		{`nil == nil`, true},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, got, tc.expr)
	}

	e := MustParse(`company.size != nil && employees > 10`)
	require.Equal(t, []string{"company.size", "employees"}, e.Variables())

	_, err := Evaluate(`industry < nil`, vars)
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = Evaluate(`!nil`, vars)
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = Evaluate(`company.size > 1`, vars)
	require.ErrorIs(t, err, ErrUnknownVariable)

	var decoded Vars
	require.NoError(t, json.Unmarshal([]byte(`{"x":null}`), &decoded))
	require.True(t, decoded["x"].IsNull())
	ok, err := Evaluate(`x == nil`, decoded)
	require.NoError(t, err)
	require.True(t, ok)
}
