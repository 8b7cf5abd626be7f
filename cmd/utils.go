package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnumOption is one accepted value of an EnumValue
type EnumOption struct {
	Name string
	Help string
}

// EnumValue is a flag restricted to a fixed, ordered set of values
type EnumValue struct {
	value   string
	options []EnumOption
}

var _ pflag.Value = (*EnumValue)(nil)

func NewEnumValue(defaultVal string, options ...EnumOption) *EnumValue {
	e := &EnumValue{value: defaultVal, options: options}
	if !e.allowed(defaultVal) {
		panic(fmt.Sprintf("default value %q not in allowed set", defaultVal))
	}
	return e
}

func (e *EnumValue) allowed(v string) bool {
	return slices.ContainsFunc(e.options, func(o EnumOption) bool { return o.Name == v })
}

func (e *EnumValue) String() string { return e.value }
func (e *EnumValue) Type() string   { return "enum" }

func (e *EnumValue) Set(v string) error {
	if !e.allowed(v) {
		return fmt.Errorf("must be one of: %s", strings.Join(e.Names(), ", "))
	}
	e.value = v
	return nil
}

// Names lists the accepted values in declaration order
func (e *EnumValue) Names() []string {
	names := make([]string, len(e.options))
	for i, o := range e.options {
		names[i] = o.Name
	}
	return names
}

func (e *EnumValue) HelpString() string { return "[" + strings.Join(e.Names(), ", ") + "]" }

// Complete offers every value with its help text as the description
func (e *EnumValue) Complete(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var items []string
	for _, o := range e.options {
		if !strings.HasPrefix(o.Name, toComplete) {
			continue
		}
		if o.Help == "" {
			items = append(items, o.Name)
		} else {
			items = append(items, o.Name+"\t"+o.Help)
		}
	}
	return items, cobra.ShellCompDirectiveNoFileComp
}
