package logging

import "time"

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Election-specific fields

func Component(name string) Field {
	return String("component", name)
}

func Node(id uint8) Field {
	return Field{Key: "node", Value: id}
}

func Peer(id uint8) Field {
	return Field{Key: "peer", Value: id}
}

func Term(term uint8) Field {
	return Field{Key: "term", Value: term}
}

func Addr(addr string) Field {
	return String("addr", addr)
}

func Op(name string) Field {
	return String("op", name)
}

func Instance(id string) Field {
	return String("instance", id)
}
