package mocks

import (
  "errors"
  "reflect"
  "regexp"
  "runtime"
)

type InjectT = func(interface{}) error

// Embedded by every mock: `ErrInject` receives the mock method being called
// and its result, if not nil, is returned instead of running the method.
type ErrBase struct {
  ErrInject InjectT
}

var name_rx *regexp.Regexp
func init() {
  name_rx = regexp.MustCompile(`.*\.(\w+)-?.*$`)
}

// Method values have a `-fm` suffix, receivers are ignored.
func MethodName(m interface{}) string {
  v := reflect.ValueOf(m)
  f := runtime.FuncForPC(v.Pointer())
  return name_rx.FindStringSubmatch(f.Name())[1]
}

func MethodMatch(m1 interface{}, m2 interface{}) bool {
  return MethodName(m1) == MethodName(m2)
}

func (self *ErrBase) Inject(method interface{}) error {
  if self.ErrInject == nil { return nil }
  return self.ErrInject(method)
}

func (self *ErrBase) SetErrInject(f InjectT) {
  self.ErrInject = f
}

func (self *ErrBase) ForAllErr(err error) {
  self.ErrInject = func(interface{}) error { return err }
}

func (self *ErrBase) ForAllErrMsg(msg string) {
  self.ForAllErr(errors.New(msg))
}

func (self *ErrBase) ForMethodErr(method interface{}, err error) {
  self.ErrInject = func(called interface{}) error {
    if !MethodMatch(method, called) { return nil }
    return err
  }
}

func (self *ErrBase) ForMethodErrMsg(method interface{}, msg string) {
  self.ForMethodErr(method, errors.New(msg))
}

// Only the `nth` call (starting at 1) to `method` fails.
func (self *ErrBase) ForMethodNthErr(method interface{}, nth int, err error) {
  calls := 0
  self.ErrInject = func(called interface{}) error {
    if !MethodMatch(method, called) { return nil }
    calls += 1
    if calls != nth { return nil }
    return err
  }
}
