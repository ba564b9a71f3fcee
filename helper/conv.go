package helper

import "encoding/json"

func Interface2Uint64(v interface{}) (rv uint64, ok bool) {
	if v == nil {
		return
	}
	fv, ok := v.(float64)
	if !ok || fv < 0 || fv != float64(uint64(fv)) {
		return 0, false
	}
	rv = uint64(fv)
	return
}

func Interface2String(v interface{}) (rv string, ok bool) {
	if v == nil {
		return
	}
	rv, ok = v.(string)
	return
}

// Interface2JsonBytes re-encodes a decoded value. A present JSON null comes
// back as the literal "null", an absent value as nil.
func Interface2JsonBytes(v interface{}) (rv []byte, ok bool) {
	rv, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return rv, true
}

func Interface2Vector(v interface{}) (rv []interface{}, ok bool) {
	if v == nil {
		return
	}
	rv, ok = v.([]interface{})
	return
}

func Interface2StringVector(v interface{}) (rv []string, ok bool) {
	if v == nil {
		return
	}
	sv, ok := v.([]interface{})
	if !ok {
		return
	}

	var s string
	rv = make([]string, 0, len(sv))
	for _, sr := range sv {
		s, ok = Interface2String(sr)
		if !ok {
			return nil, false
		}
		rv = append(rv, s)
	}
	return
}

// RawVector decodes a raw JSON array, returning ok=false for anything else.
func RawVector(raw json.RawMessage) (rv []interface{}, ok bool) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return Interface2Vector(v)
}
