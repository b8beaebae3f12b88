package terminal

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/go-delve/steptrace/pkg/config"
)

func configureCmd(t *Term, ctx callContext, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	default:
		return configureSet(t, args)
	}
}

// configParam is a configuration key and the field of config.Config
// holding it.
type configParam struct {
	name  string
	field reflect.Value
}

// configParams returns the settable keys of conf in declaration order,
// aliases are managed by "config alias".
func configParams(conf *config.Config) []configParam {
	v := reflect.ValueOf(conf).Elem()
	var r []configParam
	for i := 0; i < v.NumField(); i++ {
		name, _, _ := strings.Cut(v.Type().Field(i).Tag.Get("yaml"), ",")
		if name == "" || name == "aliases" {
			continue
		}
		r = append(r, configParam{name, v.Field(i)})
	}
	return r
}

func findConfigParam(conf *config.Config, name string) (reflect.Value, bool) {
	for _, p := range configParams(conf) {
		if p.name == name {
			return p.field, true
		}
	}
	return reflect.Value{}, false
}

func configureList(t *Term) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, p := range configParams(t.conf) {
		switch {
		case p.field.Kind() == reflect.Ptr && p.field.IsNil(), p.field.IsZero():
			fmt.Fprintf(w, "%s\t<not defined>\n", p.name)
		case p.field.Kind() == reflect.Ptr:
			fmt.Fprintf(w, "%s\t%v\n", p.name, p.field.Elem())
		default:
			fmt.Fprintf(w, "%s\t%v\n", p.name, p.field)
		}
	}
	return w.Flush()
}

// parseConfigValue parses s as a value of typ, which is the type of a
// configuration field or the type it points to.
func parseConfigValue(name string, typ reflect.Type, s string) (reflect.Value, error) {
	switch typ.Kind() {
	case reflect.Int:
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return reflect.Value{}, fmt.Errorf("argument to %q must be a positive number", name)
		}
		return reflect.ValueOf(n), nil
	case reflect.Uint64:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("argument to %q must be a positive number", name)
		}
		return reflect.ValueOf(n), nil
	case reflect.String:
		return reflect.ValueOf(s), nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported type for configuration key %q", name)
}

func configureSet(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	name, rest := v[0], v[1:]
	if name == "alias" {
		return configureSetAlias(t, rest)
	}

	field, ok := findConfigParam(t.conf, name)
	if !ok {
		return fmt.Errorf("%q is not a configuration parameter", name)
	}
	if len(rest) != 1 {
		return fmt.Errorf("wrong number of arguments to \"config %s\"", name)
	}

	if field.Kind() == reflect.Ptr {
		val, err := parseConfigValue(name, field.Type().Elem(), rest[0])
		if err != nil {
			return err
		}
		ptr := reflect.New(field.Type().Elem())
		ptr.Elem().Set(val)
		field.Set(ptr)
		return nil
	}
	val, err := parseConfigValue(name, field.Type(), rest[0])
	if err != nil {
		return err
	}
	field.Set(val)
	return nil
}

func configureSetAlias(t *Term, argv []string) error {
	switch len(argv) {
	case 1: // delete alias rule
		for k := range t.conf.Aliases {
			v := t.conf.Aliases[k]
			for i := range v {
				if v[i] == argv[0] {
					copy(v[i:], v[i+1:])
					t.conf.Aliases[k] = v[:len(v)-1]
					break
				}
			}
		}
	case 2: // add alias rule
		alias, cmd := argv[1], argv[0]
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return errors.New("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
