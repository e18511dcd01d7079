// Package apkpack repacks and aligns Android application packages so they
// can be memory-mapped by the loader and accepted by signing tools.
//
// A [Pipeline] runs every archive through the same fixed stages:
//   - Parse: read the container and cross-check local and central records
//   - Repack: store the entries the policy names and deflate the rest
//   - Align: pad stored entries so their data starts on a 4-byte boundary
//   - Verify: reopen the result and compare it with the source
//   - Sign: run the configured signing tool (optional)
//
// Nothing is signed or stored unless verification succeeds. For the
// individual stages without storage or signing, use the [core] subpackage.
//
// # Quick Start
//
// Process an archive held in memory:
//
//	p, err := apkpack.New()
//	if err != nil {
//	    return err
//	}
//	res, err := p.Process(ctx, data)
//	if err != nil {
//	    return err
//	}
//	err = os.WriteFile("app-aligned.apk", res.Data, 0o644)
//
// Fetch, sign and store through configured collaborators:
//
//	signer, _ := sign.NewCommand("apksigner sign --ks release.jks --ks-pass env:KS_PASS")
//	store, _ := disk.New("/srv/apks")
//	p, err := apkpack.New(
//	    apkpack.WithSource(store),
//	    apkpack.WithSink(store),
//	    apkpack.WithSigner(signer),
//	)
//	res, err := p.Run(ctx, "incoming/app.apk", "release/app.apk")
//
// # Policies
//
// The default policy stores resources.arsc and deflates everything else.
// Supply a [core.Policy] to change that:
//
//	policy, _ := apkcore.NewPolicy(
//	    apkcore.PolicyWithStoredNames("resources.arsc"),
//	    apkcore.PolicyWithStoredPatterns("lib/*/*.so", "assets/*.ogg"),
//	)
//	p, err := apkpack.New(apkpack.WithPolicy(policy))
//
// [core]: https://pkg.go.dev/github.com/meigma/apkpack/core
// [core.Policy]: https://pkg.go.dev/github.com/meigma/apkpack/core#Policy
package apkpack
