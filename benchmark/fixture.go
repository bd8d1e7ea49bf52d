// © Copyright 2025-2026, the libvarlink authors
// SPDX-License-Identifier: Apache-2.0

// Package benchmark provides the org.varlink.benchmark fixture service
// that external benchmark harnesses run against, plus payload builders
// for throughput measurements.
package benchmark

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ericonr/libvarlink/varlink"
)

// InterfaceDescription declares the benchmark fixture interface.
const InterfaceDescription = `interface org.varlink.benchmark

type Color (red, green, blue)

type Record (i: int, name: string, value: float, tags: []int)

# Noop measures bare dispatch overhead.
method Noop() -> ()

method Add(a: float, b: float) -> (sum: float)

method Greet(name: string) -> (greeting: string)

# RoundtripTypes summarizes its aggregate parameters in a canonical
# string so harnesses can verify decode fidelity.
method RoundtripTypes(color: Color, mapping: [string]int, tags: []int) -> (value: string)

# Generate streams count replies. Requires the more flag.
method Generate(count: int) -> (i: int, value: int)

# EchoRecords returns its payload unchanged, for frame throughput runs.
method EchoRecords(records: []Record) -> (records: []Record)
`

// RegisterMethods registers the benchmark fixture methods on the service.
func RegisterMethods(service *varlink.Service) error {
	return service.AddInterface(InterfaceDescription,
		varlink.BindFunc("Noop", noop),
		varlink.BindFunc("Add", add),
		varlink.BindFunc("Greet", greet),
		varlink.BindFunc("RoundtripTypes", roundtripTypes),
		varlink.BindFunc("Generate", generate),
		varlink.BindFunc("EchoRecords", echoRecords),
	)
}

// Payload builds a parameters object carrying count records, sized for
// harnesses that need larger frames.
func Payload(count int) (*varlink.Object, error) {
	records := varlink.NewArray()
	defer records.Release()
	for i := 0; i < count; i++ {
		record := varlink.NewObject()
		tags := varlink.NewArray()
		for t := 0; t < 4; t++ {
			if err := tags.AppendInt(int64(i + t)); err != nil {
				tags.Release()
				record.Release()
				return nil, err
			}
		}
		err := record.SetInt("i", int64(i))
		if err == nil {
			err = record.SetString("name", fmt.Sprintf("record-%d", i))
		}
		if err == nil {
			err = record.SetFloat("value", float64(i)*1.5)
		}
		if err == nil {
			err = record.SetArray("tags", tags)
		}
		tags.Release()
		if err == nil {
			err = records.AppendObject(record)
		}
		record.Release()
		if err != nil {
			return nil, err
		}
	}
	parameters := varlink.NewObject()
	if err := parameters.SetArray("records", records); err != nil {
		parameters.Release()
		return nil, err
	}
	return parameters, nil
}

func noop(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	return call.Reply(nil, 0)
}

func add(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	a, err := parameters.GetFloat("a")
	if err != nil {
		return call.ReplyInvalidParameter("a")
	}
	b, err := parameters.GetFloat("b")
	if err != nil {
		return call.ReplyInvalidParameter("b")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetFloat("sum", a+b); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func greet(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	name, err := parameters.GetString("name")
	if err != nil {
		return call.ReplyInvalidParameter("name")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetString("greeting", "Hello, "+name+"!"); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func roundtripTypes(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	color, err := parameters.GetString("color")
	if err != nil {
		return call.ReplyInvalidParameter("color")
	}
	mapping, err := parameters.GetObject("mapping")
	if err != nil {
		return call.ReplyInvalidParameter("mapping")
	}
	tags, err := parameters.GetArray("tags")
	if err != nil {
		return call.ReplyInvalidParameter("tags")
	}

	keys := append([]string(nil), mapping.Fields()...)
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := mapping.GetInt(k)
		if err != nil {
			return call.ReplyInvalidParameter("mapping")
		}
		pairs = append(pairs, fmt.Sprintf("%s=%d", k, v))
	}

	values := make([]int64, 0, tags.Len())
	for i := 0; i < tags.Len(); i++ {
		v, err := tags.GetInt(i)
		if err != nil {
			return call.ReplyInvalidParameter("tags")
		}
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	tagParts := make([]string, len(values))
	for i, v := range values {
		tagParts[i] = fmt.Sprintf("%d", v)
	}

	out := varlink.NewObject()
	defer out.Release()
	summary := fmt.Sprintf("%s:{%s}:[%s]", color, strings.Join(pairs, ","), strings.Join(tagParts, ","))
	if err := out.SetString("value", summary); err != nil {
		return err
	}
	return call.Reply(out, 0)
}

func generate(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	count, err := parameters.GetInt("count")
	if err != nil || count < 1 {
		return call.ReplyInvalidParameter("count")
	}
	if !call.WantsMore() {
		return call.ReplyInvalidParameter("more")
	}
	for i := int64(0); i < count; i++ {
		out := varlink.NewObject()
		if err := out.SetInt("i", i); err != nil {
			out.Release()
			return err
		}
		if err := out.SetInt("value", i*i); err != nil {
			out.Release()
			return err
		}
		var replyFlags varlink.ReplyFlags
		if i < count-1 {
			replyFlags = varlink.ReplyContinues
		}
		err := call.Reply(out, replyFlags)
		out.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func echoRecords(call *varlink.Call, parameters *varlink.Object, flags varlink.CallFlags) error {
	records, err := parameters.GetArray("records")
	if err != nil {
		return call.ReplyInvalidParameter("records")
	}
	out := varlink.NewObject()
	defer out.Release()
	if err := out.SetArray("records", records); err != nil {
		return err
	}
	return call.Reply(out, 0)
}
