package wire

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/weisyn/syncnet/pkg/types"
)

// Envelope 字段号，与 pb/syncnet/v1/sync.proto 保持一致
const (
	fieldRequest protowire.Number = 1
	fieldChunk   protowire.Number = 2
	fieldEnd     protowire.Number = 3
	fieldError   protowire.Number = 4
)

// Kind 消息类别
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRequest
	KindChunk
	KindEnd
	KindError
)

// String 返回类别名称
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindChunk:
		return "chunk"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Message 线路消息（Envelope），恰好一个字段非空
type Message struct {
	Request *Request
	Chunk   *ResponseChunk
	End     *EndOfResponse
	Error   *ErrorMessage
}

// Kind 返回消息类别
func (m *Message) Kind() Kind {
	switch {
	case m == nil:
		return KindInvalid
	case m.Request != nil:
		return KindRequest
	case m.Chunk != nil:
		return KindChunk
	case m.End != nil:
		return KindEnd
	case m.Error != nil:
		return KindError
	default:
		return KindInvalid
	}
}

// Request 范围请求
type Request struct {
	Version   uint32
	Start     uint64
	Limit     uint64
	Step      uint64
	Direction types.Direction
	Filter    []byte
}

// Range 转换为存储查询条件
func (r *Request) Range() types.RangeFilter {
	return types.RangeFilter{
		Start:     r.Start,
		Limit:     r.Limit,
		Step:      r.Step,
		Direction: r.Direction,
		Filter:    r.Filter,
	}
}

// ResponseChunk 一批记录
type ResponseChunk struct {
	Items [][]byte
}

// EndOfResponse 结束标记
type EndOfResponse struct {
	Count uint64
}

// ErrorCode 对端错误码
type ErrorCode uint32

const (
	CodeInternal ErrorCode = iota
	CodeBadRequest
	CodeUnsupported
	CodeUnavailable
)

// String 返回错误码名称
func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodeBadRequest:
		return "bad_request"
	case CodeUnsupported:
		return "unsupported"
	case CodeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// ErrorMessage 对端返回的错误
type ErrorMessage struct {
	Code    ErrorCode
	Message string
}

// Error 实现 error 接口，便于直接作为失败原因返回
func (e *ErrorMessage) Error() string {
	return "remote " + e.Code.String() + ": " + e.Message
}

// NewRequest 构造请求消息
func NewRequest(version uint32, r types.RangeFilter) *Message {
	return &Message{Request: &Request{
		Version:   version,
		Start:     r.Start,
		Limit:     r.Limit,
		Step:      r.Step,
		Direction: r.Direction,
		Filter:    r.Filter,
	}}
}

// NewChunk 构造响应块
func NewChunk(items [][]byte) *Message {
	return &Message{Chunk: &ResponseChunk{Items: items}}
}

// ChunkItemSize 一条 n 字节的记录在 ResponseChunk 中占用的字节数
func ChunkItemSize(n int) int {
	return protowire.SizeTag(1) + protowire.SizeBytes(n)
}

// ChunkPayloadSize 内容为 body 字节的响应块编码后的 Envelope 大小
func ChunkPayloadSize(body int) int {
	return protowire.SizeTag(fieldChunk) + protowire.SizeBytes(body)
}

// NewEnd 构造结束标记
func NewEnd(count uint64) *Message {
	return &Message{End: &EndOfResponse{Count: count}}
}

// NewError 构造错误消息
func NewError(code ErrorCode, msg string) *Message {
	return &Message{Error: &ErrorMessage{Code: code, Message: msg}}
}

// Marshal 编码为 Envelope 的 protobuf 字节
func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	switch m.Kind() {
	case KindRequest:
		b = appendMessage(b, fieldRequest, m.Request.marshal())
	case KindChunk:
		b = appendMessage(b, fieldChunk, m.Chunk.marshal())
	case KindEnd:
		b = appendMessage(b, fieldEnd, m.End.marshal())
	case KindError:
		b = appendMessage(b, fieldError, m.Error.marshal())
	default:
		return nil, errors.New("empty envelope")
	}
	return b, nil
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (r *Request) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.Version))
	b = appendVarint(b, 2, r.Start)
	b = appendVarint(b, 3, r.Limit)
	b = appendVarint(b, 4, r.Step)
	b = appendVarint(b, 5, uint64(r.Direction))
	if len(r.Filter) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Filter)
	}
	return b
}

func (c *ResponseChunk) marshal() []byte {
	var b []byte
	for _, item := range c.Items {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, item)
	}
	return b
}

func (e *EndOfResponse) marshal() []byte {
	return appendVarint(nil, 1, e.Count)
}

func (e *ErrorMessage) marshal() []byte {
	b := appendVarint(nil, 1, uint64(e.Code))
	if e.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, e.Message)
	}
	return b
}

// Unmarshal 解码 Envelope；oneof 出现多次时以最后一个为准，未知字段跳过
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		var err error
		switch num {
		case fieldRequest:
			*m = Message{Request: &Request{}}
			err = m.Request.unmarshal(v)
		case fieldChunk:
			*m = Message{Chunk: &ResponseChunk{}}
			err = m.Chunk.unmarshal(v)
		case fieldEnd:
			*m = Message{End: &EndOfResponse{}}
			err = m.End.unmarshal(v)
		case fieldError:
			*m = Message{Error: &ErrorMessage{}}
			err = m.Error.unmarshal(v)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.Kind() == KindInvalid {
		return nil, errors.New("empty envelope")
	}
	return m, nil
}

func (r *Request) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			if x > math.MaxUint32 {
				return errors.Errorf("request version %d overflows uint32", x)
			}
			r.Version = uint32(x)
		case num == 2 && typ == protowire.VarintType:
			r.Start = x
		case num == 3 && typ == protowire.VarintType:
			r.Limit = x
		case num == 4 && typ == protowire.VarintType:
			r.Step = x
		case num == 5 && typ == protowire.VarintType:
			r.Direction = types.Direction(x)
		case num == 6 && typ == protowire.BytesType:
			r.Filter = append([]byte(nil), v...)
		}
		return nil
	})
}

func (c *ResponseChunk) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == 1 && typ == protowire.BytesType {
			c.Items = append(c.Items, append(make([]byte, 0, len(v)), v...))
		}
		return nil
	})
}

func (e *EndOfResponse) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		if num == 1 && typ == protowire.VarintType {
			e.Count = x
		}
		return nil
	})
}

func (e *ErrorMessage) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			e.Code = ErrorCode(x)
		case num == 2 && typ == protowire.BytesType:
			e.Message = string(v)
		}
		return nil
	})
}

// walkFields 依次解析字段，varint 字段通过 x 传入，bytes 字段通过 v 传入
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
