package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"lithium/codec"
	"lithium/endpoint"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// Register exposes every method of rcvr shaped like
//
//	func (t *T) Method(args *A, reply *R) error
//
// as the command "T.Method" on all connections of this server.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if len(svc.method) == 0 {
		return fmt.Errorf("server: %s has no methods of the form Method(*Args, *Reply) error", svc.name)
	}
	for name, mt := range svc.method {
		if err := s.Implement(svc.name+"."+name, svc.handler(mt)); err != nil {
			return err
		}
	}
	return nil
}

// newService 创建 service 并扫描所有合法方法
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	// 用类型名作为 service name
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	return svc, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的
func (s *service) registerMethods() {
	// 合法条件: 3 个入参 (receiver, *Args, *Reply)，1 个出参 error
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

// handler decodes the param into a fresh *Args, calls the method and returns *Reply.
func (s *service) handler(mt *methodType) endpoint.Handler {
	return func(ctx context.Context, param json.RawMessage, c *endpoint.Conn) (any, error) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)
		if err := codec.DecodeParam(param, argv.Interface()); err != nil {
			return nil, fmt.Errorf("decode param: %w", err)
		}
		if err := s.call(mt, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

// call 通过反射调用方法
func (s *service) call(mt *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mt.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
