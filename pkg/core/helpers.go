package core

import (
	cryptorand "crypto/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ConnDialTimeout = time.Second * 5

const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
const maxSize = byte(len(digits))

func RandString(size byte) string {
	b := make([]byte, size)
	if _, err := cryptorand.Read(b); err != nil {
		panic(err)
	}
	for i := byte(0); i < size; i++ {
		b[i] = digits[b[i]%maxSize]
	}
	return string(b)
}

// RandMAC returns random locally administered MAC-like ID: 02:AB:CD:EF:01:23
func RandMAC() string {
	b := make([]byte, 6)
	if _, err := cryptorand.Read(b); err != nil {
		panic(err)
	}
	b[0] = b[0]&0xFC | 0x02

	const hex = "0123456789ABCDEF"
	s := make([]byte, 0, 17)
	for i, c := range b {
		if i > 0 {
			s = append(s, ':')
		}
		s = append(s, hex[c>>4], hex[c&0xF])
	}
	return string(s)
}

// NewUUID in upper case, like Apple devices send it
func NewUUID() string {
	return strings.ToUpper(uuid.NewString())
}

func Between(s, sub1, sub2 string) string {
	i := strings.Index(s, sub1)
	if i < 0 {
		return ""
	}
	s = s[i+len(sub1):]
	i = strings.Index(s, sub2)
	if i < 0 {
		return s
	}
	return s[:i]
}

func Atoi(s string) (i int) {
	if s != "" {
		i, _ = strconv.Atoi(s)
	}
	return
}
