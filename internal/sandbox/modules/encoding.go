package modules

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var hashlibModule = &starlarkstruct.Module{
	Name: "hashlib",
	Members: starlark.StringDict{
		"md5":    hashConstructor("md5", md5.New),
		"sha1":   hashConstructor("sha1", sha1.New),
		"sha256": hashConstructor("sha256", sha256.New),
		"sha512": hashConstructor("sha512", sha512.New),
	},
}

// hashConstructor returns a builtin that hashes its argument and yields an
// object with hexdigest() and digest(), like hashlib.sha256(data).
func hashConstructor(name string, newHash func() hash.Hash) *starlark.Builtin {
	return builtin("hashlib."+name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value = starlark.String("")
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &data); err != nil {
			return nil, err
		}
		text, err := textArg(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		h := newHash()
		h.Write([]byte(text))
		sum := h.Sum(nil)

		return starlarkstruct.FromStringDict(starlark.String("hashlib."+name), starlark.StringDict{
			"name": starlark.String(name),
			"hexdigest": builtin("hexdigest", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				return starlark.String(hex.EncodeToString(sum)), nil
			}),
			"digest": builtin("digest", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
				return starlark.Bytes(sum), nil
			}),
		}), nil
	})
}

var base64Module = &starlarkstruct.Module{
	Name: "base64",
	Members: starlark.StringDict{
		"b64encode":         encoder("base64.b64encode", base64.StdEncoding),
		"b64decode":         decoder("base64.b64decode", base64.StdEncoding),
		"urlsafe_b64encode": encoder("base64.urlsafe_b64encode", base64.URLEncoding),
		"urlsafe_b64decode": decoder("base64.urlsafe_b64decode", base64.URLEncoding),
	},
}

func encoder(name string, enc *base64.Encoding) *starlark.Builtin {
	return builtin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
			return nil, err
		}
		text, err := textArg(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.String(enc.EncodeToString([]byte(text))), nil
	})
}

func decoder(name string, enc *base64.Encoding) *starlark.Builtin {
	return builtin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
			return nil, err
		}
		text, err := textArg(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		out, err := enc.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.String(out), nil
	})
}

var uuidModule = &starlarkstruct.Module{
	Name: "uuid",
	Members: starlark.StringDict{
		"uuid4": builtin("uuid.uuid4", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.String(uuid.NewString()), nil
		}),
		"uuid7": builtin("uuid.uuid7", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			return starlark.String(id.String()), nil
		}),
		"uuid5": builtin("uuid.uuid5", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var namespace, name string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &namespace, &name); err != nil {
				return nil, err
			}
			ns, err := uuid.Parse(namespace)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.String(uuid.NewSHA1(ns, []byte(name)).String()), nil
		}),
		"NAMESPACE_DNS": starlark.String(uuid.NameSpaceDNS.String()),
		"NAMESPACE_URL": starlark.String(uuid.NameSpaceURL.String()),
	},
}
