// Package status 定义消息投递状态及其唯一的迁移规则。
//
// 状态只能沿 sent -> delivered -> read 前进；None 表示消息已被删除（数据库中为 NULL），
// 不参与任何投递语义。
package status

import (
	"encoding/json"
	"fmt"
)

// Status 消息投递状态
type Status int8

const (
	None Status = iota
	Sent
	Delivered
	Read
)

// String 返回线上和数据库使用的取值；None 为空串
func (s Status) String() string {
	switch s {
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	default:
		return ""
	}
}

// Parse 解析状态字符串，空串解析为 None
func Parse(v string) (Status, error) {
	switch v {
	case "sent":
		return Sent, nil
	case "delivered":
		return Delivered, nil
	case "read":
		return Read, nil
	case "":
		return None, nil
	default:
		return None, fmt.Errorf("unknown message status %q", v)
	}
}

// Advance 计算从 from 迁移到 to 的结果。
// 只有真正前进时 changed 为 true；回退、重复以及任何涉及 None 的迁移都是 no-op。
func Advance(from, to Status) (next Status, changed bool) {
	if !CanAdvance(from, to) {
		return from, false
	}
	return to, true
}

// CanAdvance 判断 from -> to 是否是一次合法的前进
func CanAdvance(from, to Status) bool {
	if from == None || to == None {
		return false
	}
	return to > from
}

// Predecessors 返回可以前进到 to 的所有状态，供存储层做 compare-and-set
func Predecessors(to Status) []Status {
	var out []Status
	for s := Sent; s < to; s++ {
		out = append(out, s)
	}
	return out
}

// Strings 将状态列表转为字符串列表
func Strings(list []Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.String()
	}
	return out
}

// MarshalJSON None 编码为 null
func (s Status) MarshalJSON() ([]byte, error) {
	if s == None {
		return []byte("null"), nil
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON 接受字符串或 null
func (s *Status) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = None
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := Parse(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
